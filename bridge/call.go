package bridge

import (
	"errors"
	"fmt"

	"github.com/dop251/goja"
)

var (
	ErrNotAFunction    = errors.New("bridge: value is not a function")
	ErrUnknownFunction = errors.New("bridge: unknown function id")
	ErrBadCallResult   = errors.New("bridge: call result is not representable")
)

// CallFunction invokes a retained script function with native arguments.
// Conversion of any argument failing aborts the call. A thrown script
// exception comes back as an error; a promise result is treated as a
// successful call with no result, any other unconvertible result is an
// error.
func (env *Environment) CallFunction(id FunctionID, this NativeValue, args ...NativeValue) (NativeValue, error) {
	env.checkInternalState()
	slot := env.retainedFunction(id)
	if slot == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFunction, id)
	}

	thisValue, err := env.nativeToScript(this)
	if err != nil {
		return nil, fmt.Errorf("converting receiver: %w", err)
	}
	scriptArgs := make([]goja.Value, len(args))
	for i, arg := range args {
		value, err := env.nativeToScript(arg)
		if err != nil {
			return nil, fmt.Errorf("converting argument %d: %w", i, err)
		}
		scriptArgs[i] = value
	}

	result, err := slot.callable(thisValue, scriptArgs...)
	if err != nil {
		return nil, fmt.Errorf("script call failed: %w", err)
	}
	env.NotifyMicrotasksRun()
	return env.callResult(result)
}

// callResult converts a call's return value. A promise is a successful call
// with no result (async results are not awaited on this path); any other
// unconvertible value is an invocation error.
func (env *Environment) callResult(result goja.Value) (NativeValue, error) {
	native, ok := env.scriptToNative(result)
	if !ok {
		if isPromise(result) {
			return nil, nil
		}
		return nil, ErrBadCallResult
	}
	return native, nil
}

// GetProperty reads a named property from a bound object's wrapper.
func (env *Environment) GetProperty(obj NativeObject, name string) (NativeValue, error) {
	env.checkInternalState()
	wrapper, ok := env.GetObject(obj)
	if !ok {
		return nil, ErrNotBound
	}
	value := wrapper.Get(name)
	if value == nil {
		return nil, nil
	}
	native, ok := env.scriptToNative(value)
	if !ok {
		return nil, fmt.Errorf("bridge: property %q is not representable", name)
	}
	return native, nil
}

// SetProperty writes a named property on a bound object's wrapper.
func (env *Environment) SetProperty(obj NativeObject, name string, value NativeValue) error {
	env.checkInternalState()
	wrapper, ok := env.GetObject(obj)
	if !ok {
		return ErrNotBound
	}
	scriptValue, err := env.nativeToScript(value)
	if err != nil {
		return fmt.Errorf("converting property %q: %w", name, err)
	}
	return wrapper.Set(name, scriptValue)
}

// CallMethod invokes a named method on a bound object's wrapper.
func (env *Environment) CallMethod(obj NativeObject, name string, args ...NativeValue) (NativeValue, error) {
	env.checkInternalState()
	wrapper, ok := env.GetObject(obj)
	if !ok {
		return nil, ErrNotBound
	}
	method := wrapper.Get(name)
	callable, ok := goja.AssertFunction(method)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotAFunction, name)
	}
	scriptArgs := make([]goja.Value, len(args))
	for i, arg := range args {
		value, err := env.nativeToScript(arg)
		if err != nil {
			return nil, fmt.Errorf("converting argument %d: %w", i, err)
		}
		scriptArgs[i] = value
	}
	result, err := callable(wrapper, scriptArgs...)
	if err != nil {
		return nil, fmt.Errorf("script call failed: %w", err)
	}
	env.NotifyMicrotasksRun()
	return env.callResult(result)
}
