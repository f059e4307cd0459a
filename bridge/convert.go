package bridge

import (
	"fmt"

	"github.com/dop251/goja"
)

// ---------------------------------------------------------------------------
// Value conversion: the narrow marshaling contract
// ---------------------------------------------------------------------------

// NativeValue is a host-side value crossing the bridge. The supported set is
// deliberately small: primitives, strings, byte slices, homogeneous
// composites, and bound native objects. Rich marshaling lives outside this
// subsystem.
type NativeValue = any

// nativeToScript converts a native argument to a script value. Bound native
// objects convert to their live wrapper; unsupported types fail.
func (env *Environment) nativeToScript(v NativeValue) (goja.Value, error) {
	switch value := v.(type) {
	case nil:
		return goja.Null(), nil
	case goja.Value:
		return value, nil
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, string, []byte:
		return env.vm.ToValue(value), nil
	case []NativeValue:
		items := make([]any, len(value))
		for i, item := range value {
			converted, err := env.nativeToScript(item)
			if err != nil {
				return nil, err
			}
			items[i] = converted
		}
		return env.vm.NewArray(items...), nil
	case map[string]NativeValue:
		obj := env.vm.NewObject()
		for key, item := range value {
			converted, err := env.nativeToScript(item)
			if err != nil {
				return nil, err
			}
			if err := obj.Set(key, converted); err != nil {
				return nil, fmt.Errorf("converting map key %q: %w", key, err)
			}
		}
		return obj, nil
	default:
		// a bound native object converts to its wrapper
		if wrapper, ok := env.GetObject(v); ok {
			return wrapper, nil
		}
		return nil, fmt.Errorf("bridge: unsupported native value type %T", v)
	}
}

// scriptToNative converts a script value back to a native value. Wrappers of
// bound objects yield the native object itself; promises and functions are
// not convertible here (the invocation bridge special-cases promises).
func (env *Environment) scriptToNative(v goja.Value) (NativeValue, bool) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, true
	}
	if obj, ok := v.(*goja.Object); ok {
		if native := env.BoundObject(obj); native != nil {
			return native, true
		}
	}
	exported := v.Export()
	switch exported.(type) {
	case *goja.Promise:
		return nil, false
	case goja.Callable, func(goja.FunctionCall) goja.Value:
		return nil, false
	}
	return exported, true
}

// isPromise reports whether a script value is a promise. Promise results of
// invocations are treated as fire-and-forget successes.
func isPromise(v goja.Value) bool {
	if v == nil {
		return false
	}
	_, ok := v.Export().(*goja.Promise)
	return ok
}
