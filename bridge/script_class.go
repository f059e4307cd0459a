package bridge

import (
	"errors"
	"fmt"

	"github.com/dop251/goja"
)

// ---------------------------------------------------------------------------
// Script classes: script-declared subclasses of exposed native classes
// ---------------------------------------------------------------------------

// ScriptClassID identifies a script-declared class. Ids are stable across
// module reloads: a reloaded module keeps its id and the descriptor is
// updated in place.
type ScriptClassID uint32

// ScriptClassInfo describes a class declared by a script module as its
// default export. The class extends an exposed native class somewhere up
// its constructor chain.
type ScriptClassInfo struct {
	ID       ScriptClassID
	Name     string
	ModuleID string

	// NativeClass is the nearest native ancestor in the constructor chain.
	NativeClass NativeClassID

	constructor *goja.Object
	prototype   *goja.Object

	// properties holds declared property defaults from the class's static
	// `properties` table.
	properties map[string]goja.Value

	// cdo is the lazily-built class default object.
	cdo *goja.Object
}

// Name lookups below never trigger module loads; a class only exists after
// its module was loaded.

var (
	ErrNotAScriptClass  = errors.New("bridge: module does not export a script class")
	ErrUnknownScript    = errors.New("bridge: unknown script class id")
	ErrBadPropertyName  = errors.New("bridge: no such declared property")
	ErrCrossBindFailure = errors.New("bridge: cross-bind construction failed")
)

// FindScriptClass returns the descriptor for a script class id.
func (env *Environment) FindScriptClass(id ScriptClassID) (*ScriptClassInfo, bool) {
	env.scriptClassesMu.RLock()
	defer env.scriptClassesMu.RUnlock()
	info, ok := env.scriptClasses[id]
	return info, ok
}

// ScriptClassCount returns the number of registered script classes.
func (env *Environment) ScriptClassCount() int {
	env.scriptClassesMu.RLock()
	defer env.scriptClassesMu.RUnlock()
	return len(env.scriptClasses)
}

// parseScriptClass inspects a freshly-loaded module's default export and,
// if it declares a script class, registers or refreshes the descriptor.
// Parse failures only log; the module stays loaded either way.
func (env *Environment) parseScriptClass(m *Module) {
	info, err := env.extractScriptClass(m)
	if err != nil {
		if !errors.Is(err, ErrNotAScriptClass) {
			log.Errorf("parsing script class of %q: %s", m.ID, err.Error())
		}
		return
	}

	env.scriptClassesMu.Lock()
	if m.scriptClass != 0 {
		// reload keeps the id, the descriptor is replaced in place
		info.ID = m.scriptClass
	} else {
		info.ID = ScriptClassID(env.nextScriptClassID.Add(1))
		m.scriptClass = info.ID
	}
	env.scriptClasses[info.ID] = info
	env.scriptClassesMu.Unlock()
	log.Debugf("script class %s (%d) from %s", info.Name, info.ID, m.ID)
}

func (env *Environment) extractScriptClass(m *Module) (*ScriptClassInfo, error) {
	exports, ok := m.Exports().(*goja.Object)
	if !ok {
		return nil, ErrNotAScriptClass
	}
	defaultExport := exports.Get("default")
	if defaultExport == nil {
		return nil, ErrNotAScriptClass
	}
	ctor, ok := defaultExport.(*goja.Object)
	if !ok {
		return nil, ErrNotAScriptClass
	}
	if _, callable := goja.AssertConstructor(ctor); !callable {
		return nil, ErrNotAScriptClass
	}

	nativeClass, ok := env.nativeAncestor(ctor)
	if !ok {
		return nil, fmt.Errorf("%w: default export of %q does not extend an exposed class", ErrNotAScriptClass, m.ID)
	}

	className := "<anonymous>"
	if nameValue := ctor.Get("name"); nameValue != nil && !goja.IsUndefined(nameValue) {
		className = nameValue.String()
	}
	info := &ScriptClassInfo{
		Name:        className,
		ModuleID:    m.ID,
		NativeClass: nativeClass,
		constructor: ctor,
		properties:  make(map[string]goja.Value),
	}
	if protoValue := ctor.Get("prototype"); protoValue != nil {
		info.prototype, _ = protoValue.(*goja.Object)
	}

	// static `properties` declares the property table with default values
	if propsValue := ctor.Get("properties"); propsValue != nil {
		if props, ok := propsValue.(*goja.Object); ok {
			for _, key := range props.Keys() {
				info.properties[key] = props.Get(key)
			}
		}
	}
	_ = ctor.SetSymbol(env.hiddenSymbol(symProperties), env.vm.ToValue(true))
	return info, nil
}

// nativeAncestor walks the constructor chain looking for a native class
// shape, identified by its hidden class-id symbol.
func (env *Environment) nativeAncestor(ctor *goja.Object) (NativeClassID, bool) {
	classSym := env.hiddenSymbol(symClassID)
	for current := ctor; current != nil; current = current.Prototype() {
		tag := current.GetSymbol(classSym)
		if tag == nil || goja.IsUndefined(tag) {
			continue
		}
		id, ok := tag.Export().(uint32)
		if !ok {
			if i64, isInt := tag.Export().(int64); isInt {
				return NativeClassID(i64), true
			}
			return 0, false
		}
		return NativeClassID(id), true
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Instantiation
// ---------------------------------------------------------------------------

// CrossBind constructs a script class instance around a pre-existing native
// object. The constructor runs with the cross-bind sentinel so it performs
// no allocation; the binding is installed afterwards.
func (env *Environment) CrossBind(id ScriptClassID, obj NativeObject) (*goja.Object, error) {
	env.checkInternalState()
	info, ok := env.FindScriptClass(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownScript, id)
	}
	instance, err := env.vm.New(info.constructor, env.hiddenSymbol(symCrossBind))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCrossBindFailure, err.Error())
	}
	if _, err := env.BindObject(info.NativeClass, obj, instance, BindManaged); err != nil {
		return nil, err
	}
	return instance, nil
}

// Rebind switches an already-bound native object to a different script
// class, preserving the object id. The old wrapper is detached without
// running the finalizer.
func (env *Environment) Rebind(obj NativeObject, id ScriptClassID) (*goja.Object, error) {
	env.checkInternalState()
	if !env.IsBound(obj) {
		return nil, ErrNotBound
	}
	env.freeObject(obj, false)
	return env.CrossBind(id, obj)
}

// classDefaultObject lazily builds the CDO: an instance constructed with
// the CDO sentinel, so it has script-side defaults but no native binding.
func (env *Environment) classDefaultObject(info *ScriptClassInfo) (*goja.Object, error) {
	if info.cdo != nil {
		return info.cdo, nil
	}
	cdo, err := env.vm.New(info.constructor, env.hiddenSymbol(symCDO))
	if err != nil {
		return nil, fmt.Errorf("building class default object for %s: %w", info.Name, err)
	}
	info.cdo = cdo
	return cdo, nil
}

// ---------------------------------------------------------------------------
// Property access
// ---------------------------------------------------------------------------

// GetScriptDefaultPropertyValue returns the default value of a declared
// property, from the declaration table if present, otherwise from the
// class default object.
func (env *Environment) GetScriptDefaultPropertyValue(id ScriptClassID, name string) (NativeValue, error) {
	env.checkInternalState()
	info, ok := env.FindScriptClass(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownScript, id)
	}
	if value, declared := info.properties[name]; declared {
		native, ok := env.scriptToNative(value)
		if !ok {
			return nil, fmt.Errorf("bridge: default of %q is not representable", name)
		}
		return native, nil
	}
	cdo, err := env.classDefaultObject(info)
	if err != nil {
		return nil, err
	}
	value := cdo.Get(name)
	if value == nil {
		return nil, fmt.Errorf("%w: %s.%s", ErrBadPropertyName, info.Name, name)
	}
	native, ok := env.scriptToNative(value)
	if !ok {
		return nil, fmt.Errorf("bridge: default of %q is not representable", name)
	}
	return native, nil
}

// GetScriptPropertyValue reads a property from a bound instance's wrapper.
func (env *Environment) GetScriptPropertyValue(obj NativeObject, name string) (NativeValue, error) {
	return env.GetProperty(obj, name)
}

// SetScriptPropertyValue writes a property on a bound instance's wrapper.
func (env *Environment) SetScriptPropertyValue(obj NativeObject, name string, value NativeValue) error {
	return env.SetProperty(obj, name, value)
}
