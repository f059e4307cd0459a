package bridge

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dop251/goja"
)

// ---------------------------------------------------------------------------
// Catalogue: the host-exposed surface reachable from script
// ---------------------------------------------------------------------------

// UtilityFunc is a host function exposed to script without a receiver.
type UtilityFunc func(env *Environment, args []NativeValue) (NativeValue, error)

// SingletonGetter returns the native singleton instance and its class.
// It runs at most once per environment; the resulting wrapper is made
// persistent.
type SingletonGetter func(env *Environment) (NativeObject, NativeClassID, error)

// Catalogue registers everything the host exposes by name: singletons,
// utility functions, constants and enums. Classes are registered on the
// class tables and looked up here by name as well.
//
// Name lookup follows a fixed precedence: singleton, utility, class,
// constant, enum. Registering the same name in two registries is legal;
// the higher-precedence entry shadows the lower.
type Catalogue struct {
	mu         sync.RWMutex
	singletons map[string]SingletonGetter
	utilities  map[string]UtilityFunc
	constants  map[string]NativeValue
	enums      map[string]map[string]int64
}

// Catalogue returns the environment's host export registry.
func (env *Environment) Catalogue() *Catalogue { return env.catalogue }

func newCatalogue() *Catalogue {
	return &Catalogue{
		singletons: make(map[string]SingletonGetter),
		utilities:  make(map[string]UtilityFunc),
		constants:  make(map[string]NativeValue),
		enums:      make(map[string]map[string]int64),
	}
}

// RegisterSingleton registers a lazily-created singleton under name.
func (c *Catalogue) RegisterSingleton(name string, getter SingletonGetter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.singletons[name] = getter
}

// RegisterUtility registers a free function under name.
func (c *Catalogue) RegisterUtility(name string, fn UtilityFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.utilities[name] = fn
}

// RegisterConstant registers a plain value under name.
func (c *Catalogue) RegisterConstant(name string, value NativeValue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.constants[name] = value
}

// RegisterEnum registers a named set of integer values.
func (c *Catalogue) RegisterEnum(name string, values map[string]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enums[name] = values
}

// names returns the sorted union of registered names.
func (c *Catalogue) names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[string]struct{})
	for name := range c.singletons {
		seen[name] = struct{}{}
	}
	for name := range c.utilities {
		seen[name] = struct{}{}
	}
	for name := range c.constants {
		seen[name] = struct{}{}
	}
	for name := range c.enums {
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var ErrUnknownExport = fmt.Errorf("bridge: name not exported")

// LoadType materializes the script value for an exposed name, resolving
// the registries in precedence order.
func (c *Catalogue) LoadType(env *Environment, name string) (goja.Value, error) {
	c.mu.RLock()
	singleton := c.singletons[name]
	utility := c.utilities[name]
	constant, hasConstant := c.constants[name]
	enum := c.enums[name]
	c.mu.RUnlock()

	if singleton != nil {
		return env.loadSingleton(name, singleton)
	}
	if utility != nil {
		return env.wrapUtility(name, utility), nil
	}
	if _, ok := env.FindHostClass(name); ok {
		info, err := env.ExposeClass(name)
		if err != nil {
			return nil, err
		}
		return info.shapeObject(), nil
	}
	if hasConstant {
		return env.nativeToScript(constant)
	}
	if enum != nil {
		return env.buildEnumObject(enum), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownExport, name)
}

func (env *Environment) loadSingleton(name string, getter SingletonGetter) (goja.Value, error) {
	obj, classID, err := getter(env)
	if err != nil {
		return nil, fmt.Errorf("creating singleton %q: %w", name, err)
	}
	if wrapper, ok := env.GetObject(obj); ok {
		return wrapper, nil
	}
	wrapper, err := env.NewObjectWrapper(classID, obj, BindExternal)
	if err != nil {
		return nil, fmt.Errorf("binding singleton %q: %w", name, err)
	}
	// singletons live for the whole environment
	env.MarkAsPersistent(obj)
	return wrapper, nil
}

func (env *Environment) wrapUtility(name string, fn UtilityFunc) goja.Value {
	return env.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		args := make([]NativeValue, len(call.Arguments))
		for i, arg := range call.Arguments {
			native, ok := env.scriptToNative(arg)
			if !ok {
				panic(env.vm.NewTypeError("bad argument %d to %s", i, name))
			}
			args[i] = native
		}
		result, err := fn(env, args)
		if err != nil {
			panic(env.vm.NewGoError(err))
		}
		value, convErr := env.nativeToScript(result)
		if convErr != nil {
			panic(env.vm.NewGoError(convErr))
		}
		return value
	})
}

func (env *Environment) buildEnumObject(values map[string]int64) goja.Value {
	obj := env.vm.NewObject()
	for name, value := range values {
		_ = obj.Set(name, value)
	}
	return obj
}

// exportedNames is the full set of names reachable through the host module.
func (env *Environment) exportedNames() []string {
	names := env.catalogue.names()
	env.classesMu.RLock()
	for name := range env.hostClassIndex {
		names = append(names, name)
	}
	env.classesMu.RUnlock()
	sort.Strings(names)
	// registries may shadow a class of the same name
	out := names[:0]
	for i, name := range names {
		if i > 0 && names[i-1] == name {
			continue
		}
		out = append(out, name)
	}
	return out
}
