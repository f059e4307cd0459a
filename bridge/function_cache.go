package bridge

import "github.com/dop251/goja"

// FunctionID identifies a retained script function. The zero id is never
// issued.
type FunctionID uint32

// cachedFunction is a bank slot holding a strong reference to a script
// function plus the number of native retains on it.
type cachedFunction struct {
	fn       *goja.Object
	callable goja.Callable
	refCount int
}

// GetCachedFunction returns the id under which value is already retained,
// or zero. It never retains.
func (env *Environment) GetCachedFunction(value goja.Value) FunctionID {
	obj, ok := value.(*goja.Object)
	if !ok {
		return 0
	}
	env.functionsMu.RLock()
	defer env.functionsMu.RUnlock()
	return env.functionRefs[obj]
}

// RetainFunction retains a script function for native callbacks and returns
// its id. Retaining the same function again reuses the slot and bumps its
// count.
func (env *Environment) RetainFunction(value goja.Value) (FunctionID, error) {
	callable, ok := goja.AssertFunction(value)
	if !ok {
		return 0, ErrNotAFunction
	}
	obj := value.(*goja.Object)

	env.functionsMu.Lock()
	defer env.functionsMu.Unlock()
	if id, ok := env.functionRefs[obj]; ok {
		env.functionBank[id].refCount++
		return id, nil
	}
	id := FunctionID(env.nextFunctionID.Add(1))
	env.functionBank[id] = &cachedFunction{fn: obj, callable: callable, refCount: 1}
	env.functionRefs[obj] = id
	return id, nil
}

// ReleaseFunction drops one retain on id. The slot and its strong reference
// go away when the count reaches zero; unknown ids are ignored.
func (env *Environment) ReleaseFunction(id FunctionID) {
	env.functionsMu.Lock()
	defer env.functionsMu.Unlock()
	slot, ok := env.functionBank[id]
	if !ok {
		return
	}
	slot.refCount--
	if slot.refCount > 0 {
		return
	}
	delete(env.functionRefs, slot.fn)
	delete(env.functionBank, id)
}

// retainedFunction returns the bank slot for id, or nil.
func (env *Environment) retainedFunction(id FunctionID) *cachedFunction {
	env.functionsMu.RLock()
	defer env.functionsMu.RUnlock()
	return env.functionBank[id]
}

// RetainedFunctionCount returns the number of live bank slots.
func (env *Environment) RetainedFunctionCount() int {
	env.functionsMu.RLock()
	defer env.functionsMu.RUnlock()
	return len(env.functionBank)
}
