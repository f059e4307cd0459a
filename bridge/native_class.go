package bridge

import (
	"github.com/dop251/goja"
)

// ---------------------------------------------------------------------------
// Native class registry: descriptors for exposed native types
// ---------------------------------------------------------------------------

// NativeClassID identifies a registered native class.
type NativeClassID uint32

// NativeClassCategory classifies how instances of a class cross the bridge.
type NativeClassCategory int

const (
	// ClassNone is a class that is exposed but never instance-bound.
	ClassNone NativeClassCategory = iota
	// ClassNativeObject instances are reference-bound through the handle table.
	ClassNativeObject
	// ClassValueType instances are embedded in script-side storage directly
	// and must never enter the handle table.
	ClassValueType
)

// Finalizer destroys a native object once its binding is gone. It is invoked
// at most once per bound object, always after bookkeeping removal.
type Finalizer func(env *Environment, obj NativeObject, wasPersistent bool)

// Factory allocates a native instance when script code constructs the class
// directly (`new Thing()`). Classes without a factory can only be bound from
// the native side.
type Factory func() NativeObject

// NativeClassInfo describes one exposed native type. The script-visible
// shape (constructor plus prototype) is built lazily on first exposure.
type NativeClassInfo struct {
	ID        NativeClassID
	Name      string
	Category  NativeClassCategory
	Finalizer Finalizer
	Factory   Factory

	// Methods become prototype functions on the lazily-built shape.
	Methods map[string]func(env *Environment, obj NativeObject, args []NativeValue) (NativeValue, error)

	shape *goja.Object
}

func (info *NativeClassInfo) shapeObject() *goja.Object { return info.shape }

// ClassRegisterFunc performs the deferred registration of a class: it adds
// the class to the environment and returns its id.
type ClassRegisterFunc func(env *Environment, name string) (NativeClassID, error)

type deferredClassRegister struct {
	id       NativeClassID // 0 until registered
	register ClassRegisterFunc
}

// AddClass registers a class descriptor immediately and returns its id.
// NativeObject-category classes are additionally indexed by name for host
// catalogue lookup.
func (env *Environment) AddClass(info NativeClassInfo) NativeClassID {
	env.classesMu.Lock()
	defer env.classesMu.Unlock()

	id := NativeClassID(env.nextClassID.Add(1))
	stored := info
	stored.ID = id
	env.nativeClasses[id] = &stored
	if info.Category == ClassNativeObject {
		if _, dup := env.hostClassIndex[info.Name]; dup {
			env.reportInvariant("duplicate host class name %q", info.Name)
		}
		env.hostClassIndex[info.Name] = id
	}
	log.Debugf("new class %s (%d)", info.Name, id)
	return id
}

// AddClassRegister defers registration of a class until its first exposure.
func (env *Environment) AddClassRegister(name string, register ClassRegisterFunc) {
	env.classesMu.Lock()
	defer env.classesMu.Unlock()
	if _, dup := env.classRegisters[name]; dup {
		env.reportInvariant("duplicate class register for %q", name)
		return
	}
	env.classRegisters[name] = &deferredClassRegister{register: register}
}

func (env *Environment) findNativeClass(id NativeClassID) *NativeClassInfo {
	env.classesMu.RLock()
	defer env.classesMu.RUnlock()
	return env.nativeClasses[id]
}

// FindHostClass returns the descriptor of a NativeObject-category class by
// name, without triggering deferred registration.
func (env *Environment) FindHostClass(name string) (*NativeClassInfo, bool) {
	env.classesMu.RLock()
	defer env.classesMu.RUnlock()
	id, ok := env.hostClassIndex[name]
	if !ok {
		return nil, false
	}
	return env.nativeClasses[id], true
}

// ExposeClass resolves a class by name, running its deferred registration
// and building its script-visible shape on first use. The result is memoized
// in the descriptor.
func (env *Environment) ExposeClass(name string) (*NativeClassInfo, error) {
	env.classesMu.Lock()
	reg, ok := env.classRegisters[name]
	env.classesMu.Unlock()

	var info *NativeClassInfo
	if ok {
		if reg.id == 0 {
			id, err := reg.register(env, name)
			if err != nil {
				return nil, err
			}
			reg.id = id
			log.Debugf("registered class %s (%d)", name, id)
		}
		info = env.findNativeClass(reg.id)
	} else if found, exists := env.FindHostClass(name); exists {
		info = found
	}
	if info == nil {
		return nil, nil
	}

	env.classesMu.Lock()
	if info.shape == nil {
		info.shape = env.buildClassShape(info)
	}
	env.classesMu.Unlock()
	return info, nil
}

// buildClassShape constructs the script constructor for a class. The
// constructor recognizes the cross-bind and CDO sentinels: in those cases
// the native side either already exists or is deliberately absent, so no
// allocation or binding happens.
func (env *Environment) buildClassShape(info *NativeClassInfo) *goja.Object {
	classID := info.ID

	ctor := env.vm.ToValue(func(call goja.ConstructorCall) *goja.Object {
		if len(call.Arguments) > 0 {
			arg := call.Arguments[0]
			if arg.StrictEquals(env.hiddenSymbol(symCrossBind)) || arg.StrictEquals(env.hiddenSymbol(symCDO)) {
				return call.This
			}
		}
		current := env.findNativeClass(classID)
		if current == nil || current.Factory == nil {
			panic(env.vm.NewTypeError("class %s cannot be constructed from script", info.Name))
		}
		obj := current.Factory()
		if _, err := env.BindObject(classID, obj, call.This, BindExternal); err != nil {
			panic(env.vm.NewGoError(err))
		}
		return call.This
	})

	shape, ok := ctor.(*goja.Object)
	if !ok {
		env.reportInvariant("constructor for %q is not an object", info.Name)
		return nil
	}
	_ = shape.SetSymbol(env.hiddenSymbol(symClassID), env.vm.ToValue(uint32(classID)))

	if protoValue := shape.Get("prototype"); protoValue != nil {
		if proto, ok := protoValue.(*goja.Object); ok {
			for name, method := range info.Methods {
				env.defineMethod(proto, classID, name, method)
			}
		}
	}
	return shape
}

func (env *Environment) defineMethod(proto *goja.Object, classID NativeClassID, name string,
	method func(env *Environment, obj NativeObject, args []NativeValue) (NativeValue, error)) {

	err := proto.Set(name, func(call goja.FunctionCall) goja.Value {
		this, ok := call.This.(*goja.Object)
		if !ok {
			panic(env.vm.NewTypeError("%s: bad receiver", name))
		}
		obj := env.BoundObject(this)
		if obj == nil {
			panic(env.vm.NewTypeError("%s: receiver is not bound", name))
		}
		args := make([]NativeValue, len(call.Arguments))
		for i, arg := range call.Arguments {
			native, ok := env.scriptToNative(arg)
			if !ok {
				panic(env.vm.NewTypeError("%s: argument %d not convertible", name, i))
			}
			args[i] = native
		}
		result, err := method(env, obj, args)
		if err != nil {
			panic(env.vm.NewGoError(err))
		}
		value, err := env.nativeToScript(result)
		if err != nil {
			panic(env.vm.NewGoError(err))
		}
		return value
	})
	if err != nil {
		log.Errorf("failed to define method %s on class %d: %s", name, classID, err.Error())
	}
}

// NativeClassCount returns the number of registered class descriptors.
func (env *Environment) NativeClassCount() int {
	env.classesMu.RLock()
	defer env.classesMu.RUnlock()
	return len(env.nativeClasses)
}
