package bridge

import (
	"errors"
	"runtime"
	"weak"

	"github.com/dop251/goja"
)

// ---------------------------------------------------------------------------
// Object handle table: dual-ownership bridging between native refcounts
// and the engine's tracing collection
// ---------------------------------------------------------------------------

// NativeObject is an object owned by the host's native object system. Any
// comparable value works as an identity key; in practice hosts pass pointers
// to their own object types.
type NativeObject = any

// NativeObjectID identifies a bound native object. It is valid only while
// the binding exists and is never reused while any holder is alive.
type NativeObjectID uint64

// BindingPolicy selects the initial ownership state of a binding.
type BindingPolicy int

const (
	// BindManaged starts the wrapper weak: the engine may reclaim it as soon
	// as script code drops all references.
	BindManaged BindingPolicy = iota
	// BindExternal starts the wrapper strong with one native reference. Used
	// when the native side already considers itself the owner, e.g. objects
	// constructed through CrossBind.
	BindExternal
)

var (
	ErrDuplicateBinding = errors.New("bridge: object is already bound")
	ErrUnknownClass     = errors.New("bridge: unknown native class id")
	ErrValueTypeBound   = errors.New("bridge: value-type classes cannot be reference-bound")
	ErrNotBound         = errors.New("bridge: object is not bound")
)

// objectHandle links a native object, its class, and its script wrapper.
// refCount == 0 means the wrapper is held weakly and may be reclaimed by the
// engine at any time; refCount > 0 pins the wrapper regardless of script-side
// reachability.
type objectHandle struct {
	classID  NativeClassID
	object   NativeObject
	refCount int

	// Exactly one of strong/weakRef is meaningful at a time. epoch
	// invalidates reclamation callbacks registered for earlier weak states.
	strong  *goja.Object
	weakRef weak.Pointer[goja.Object]
	cleanup runtime.Cleanup
	epoch   uint32
}

// reclaimToken travels with an engine cleanup registration. It must not
// reference the wrapper itself, only the identity needed to re-validate.
type reclaimToken struct {
	env    EnvironmentID
	object NativeObject
	epoch  uint32
}

// reclaimCleanup is the engine-triggered reclamation callback. It runs on a
// collector goroutine with no environment context, so the token is validated
// against the process-wide store before anything else.
func reclaimCleanup(token reclaimToken) {
	env := sharedStore.Access(token.env)
	if env == nil {
		return
	}
	env.reclaimObject(token.object, token.epoch)
}

// BindObject creates a handle linking obj to the given wrapper. The pointer
// must not already be bound and the class must be reference-bindable.
func (env *Environment) BindObject(classID NativeClassID, obj NativeObject, wrapper *goja.Object, policy BindingPolicy) (NativeObjectID, error) {
	env.checkInternalState()

	info := env.findNativeClass(classID)
	if info == nil {
		env.reportInvariant("bind: unknown class id %d", classID)
		return 0, ErrUnknownClass
	}
	if info.Category == ClassValueType {
		env.reportInvariant("bind: class %q is a value type", info.Name)
		return 0, ErrValueTypeBound
	}

	env.objectsMu.Lock()
	if _, exists := env.objectsIndex[obj]; exists {
		env.objectsMu.Unlock()
		env.reportInvariant("bind: duplicated binding for class %q", info.Name)
		return 0, ErrDuplicateBinding
	}

	id := NativeObjectID(env.nextObjectID.Add(1))
	handle := &objectHandle{
		classID: classID,
		object:  obj,
		strong:  wrapper,
	}
	env.objects[id] = handle
	env.objectsIndex[obj] = id

	if policy == BindManaged {
		env.armWeakLocked(handle)
	} else {
		handle.refCount = 1
	}
	env.objectsMu.Unlock()

	if err := wrapper.SetSymbol(env.hiddenSymbol(symObjectID), env.vm.ToValue(uint64(id))); err != nil {
		log.Errorf("bind: failed to tag wrapper for class %q: %s", info.Name, err.Error())
	}
	log.Debugf("bind object class:%s(%d) id:%d policy:%d", info.Name, classID, id, policy)
	return id, nil
}

// armWeakLocked switches a handle to the weak state and registers the
// engine reclamation callback. Caller holds objectsMu and guarantees the
// wrapper is currently reachable through handle.strong.
func (env *Environment) armWeakLocked(handle *objectHandle) {
	wrapper := handle.strong
	handle.epoch++
	handle.weakRef = weak.Make(wrapper)
	handle.cleanup = runtime.AddCleanup(wrapper, reclaimCleanup, reclaimToken{
		env:    env.id,
		object: handle.object,
		epoch:  handle.epoch,
	})
	handle.strong = nil
}

// ReferenceObject applies a native reference-count change to the binding.
// The returned value reports whether the native side may destroy the object
// (no script interest pins it). Unknown objects are tolerated and treated as
// already dead, because notifications can race against destruction.
func (env *Environment) ReferenceObject(obj NativeObject, increment bool) bool {
	env.objectsMu.Lock()

	id, ok := env.objectsIndex[obj]
	if !ok {
		env.objectsMu.Unlock()
		log.Debugf("reference: unknown object (already dead?)")
		return true
	}
	handle := env.objects[id]

	if increment {
		if handle.refCount == 0 {
			// weak -> strong on the 0->1 edge
			if wrapper := handle.weakRef.Value(); wrapper != nil {
				handle.cleanup.Stop()
				handle.strong = wrapper
				handle.epoch++
			} else {
				log.Warningf("reference: wrapper of object %d already reclaimed", id)
			}
		}
		handle.refCount++
		env.objectsMu.Unlock()
		return false
	}

	if handle.refCount == 0 {
		// decrement below zero is a no-op, the wrapper is already weak
		env.objectsMu.Unlock()
		return true
	}
	handle.refCount--
	if handle.refCount == 0 {
		// strong -> weak on the 1->0 edge
		if handle.strong != nil {
			env.armWeakLocked(handle)
		}
		env.objectsMu.Unlock()
		return true
	}
	env.objectsMu.Unlock()
	return false
}

// MarkAsPersistent pins obj forever: one extra native reference plus
// membership in the persistent set. Used for process-wide singletons.
func (env *Environment) MarkAsPersistent(obj NativeObject) {
	env.objectsMu.RLock()
	_, bound := env.objectsIndex[obj]
	_, persistent := env.persistentObjects[obj]
	env.objectsMu.RUnlock()

	if !bound {
		log.Errorf("failed to mark object as persistent: not bound")
		return
	}
	if persistent {
		env.reportInvariant("object marked as persistent twice")
		return
	}
	env.ReferenceObject(obj, true)

	env.objectsMu.Lock()
	env.persistentObjects[obj] = struct{}{}
	env.objectsMu.Unlock()
}

// UnbindObject is the native-initiated release path: bookkeeping is removed
// but the class finalizer does not run, the native side manages its own
// destruction here.
func (env *Environment) UnbindObject(obj NativeObject) {
	env.checkInternalState()
	env.objectsMu.RLock()
	_, ok := env.objectsIndex[obj]
	env.objectsMu.RUnlock()
	if !ok {
		env.reportInvariant("unbind: object is not bound")
		return
	}
	env.freeObject(obj, false)
}

// reclaimObject routes an engine reclamation notification into the free
// path. Stale notifications (old epoch, or a handle that turned strong
// since the cleanup was registered) are dropped: the object must not be
// freed while the native side holds references. Validation and removal run
// under one write lock so an 0->1 reference edge cannot slip in between.
func (env *Environment) reclaimObject(obj NativeObject, epoch uint32) {
	env.objectsMu.Lock()
	id, ok := env.objectsIndex[obj]
	if ok {
		handle := env.objects[id]
		if handle.epoch != epoch || handle.refCount > 0 {
			ok = false
		}
	}
	if !ok {
		env.objectsMu.Unlock()
		log.Debugf("reclaim: stale notification ignored")
		return
	}
	env.removeLocked(obj, id, true)
}

// freeObject is the single exit point for every binding. Bookkeeping is
// removed before the finalizer runs so that native code triggered by the
// finalizer observes a consistent "already gone" state.
func (env *Environment) freeObject(obj NativeObject, runFinalizer bool) {
	env.objectsMu.Lock()
	id, ok := env.objectsIndex[obj]
	if !ok {
		env.objectsMu.Unlock()
		env.reportInvariant("free: object is not bound")
		return
	}
	env.removeLocked(obj, id, runFinalizer)
}

// removeLocked detaches the handle and runs the finalizer. Caller holds the
// objectsMu write lock; it is released here.
func (env *Environment) removeLocked(obj NativeObject, id NativeObjectID, runFinalizer bool) {
	handle := env.objects[id]
	classID := handle.classID
	_, wasPersistent := env.persistentObjects[obj]

	// remove the index first to make freeObject safely reentrant
	delete(env.persistentObjects, obj)
	delete(env.objectsIndex, obj)
	delete(env.objects, id)

	wrapper := handle.strong
	if wrapper == nil {
		wrapper = handle.weakRef.Value()
		handle.cleanup.Stop()
	}
	handle.strong = nil
	env.objectsMu.Unlock()

	// break the wrapper's back-pointer before the finalizer can re-enter
	if wrapper != nil && env.symbols[symObjectID] != nil {
		_ = wrapper.SetSymbol(env.hiddenSymbol(symObjectID), goja.Null())
	}

	info := env.findNativeClass(classID)
	if runFinalizer {
		log.Debugf("free object class:%d id:%d persistent:%t", classID, id, wasPersistent)
		if info != nil && info.Finalizer != nil {
			info.Finalizer(env, obj, wasPersistent)
		}
	} else {
		log.Debugf("(skip finalizer) free object class:%d id:%d", classID, id)
	}
}

// IsBound reports whether obj currently has a binding.
func (env *Environment) IsBound(obj NativeObject) bool {
	_, ok := env.GetObjectID(obj)
	return ok
}

// GetObjectID returns the id bound to obj, if any.
func (env *Environment) GetObjectID(obj NativeObject) (NativeObjectID, bool) {
	env.objectsMu.RLock()
	defer env.objectsMu.RUnlock()
	id, ok := env.objectsIndex[obj]
	return id, ok
}

// GetObject returns the live script wrapper for a bound object. A weak
// wrapper that has already been reclaimed yields ok == false.
func (env *Environment) GetObject(obj NativeObject) (*goja.Object, bool) {
	env.objectsMu.RLock()
	defer env.objectsMu.RUnlock()
	id, ok := env.objectsIndex[obj]
	if !ok {
		return nil, false
	}
	return env.objects[id].liveWrapper()
}

// GetObjectByID is GetObject keyed by handle id.
func (env *Environment) GetObjectByID(id NativeObjectID) (*goja.Object, bool) {
	env.objectsMu.RLock()
	defer env.objectsMu.RUnlock()
	handle, ok := env.objects[id]
	if !ok {
		return nil, false
	}
	return handle.liveWrapper()
}

func (h *objectHandle) liveWrapper() (*goja.Object, bool) {
	if h.strong != nil {
		return h.strong, true
	}
	if w := h.weakRef.Value(); w != nil {
		return w, true
	}
	return nil, false
}

// ObjectClass returns the class descriptor of a bound object, or nil.
func (env *Environment) ObjectClass(obj NativeObject) *NativeClassInfo {
	env.objectsMu.RLock()
	id, ok := env.objectsIndex[obj]
	var classID NativeClassID
	if ok {
		classID = env.objects[id].classID
	}
	env.objectsMu.RUnlock()
	if !ok {
		return nil
	}
	return env.findNativeClass(classID)
}

// BoundObject resolves a wrapper back to its native object using the hidden
// id tag. Returns nil if the wrapper is not (or no longer) bound.
func (env *Environment) BoundObject(wrapper *goja.Object) NativeObject {
	tag := wrapper.GetSymbol(env.hiddenSymbol(symObjectID))
	if tag == nil || goja.IsNull(tag) || goja.IsUndefined(tag) {
		return nil
	}
	id := NativeObjectID(tag.ToInteger())

	env.objectsMu.RLock()
	defer env.objectsMu.RUnlock()
	handle, ok := env.objects[id]
	if !ok {
		return nil
	}
	return handle.object
}

// NewObjectWrapper creates a wrapper object for obj using the class shape's
// prototype and binds it under the given policy.
func (env *Environment) NewObjectWrapper(classID NativeClassID, obj NativeObject, policy BindingPolicy) (*goja.Object, error) {
	info := env.findNativeClass(classID)
	if info == nil {
		return nil, ErrUnknownClass
	}
	wrapper := env.vm.NewObject()
	if shape := info.shapeObject(); shape != nil {
		if protoValue := shape.Get("prototype"); protoValue != nil {
			if proto, ok := protoValue.(*goja.Object); ok {
				_ = wrapper.SetPrototype(proto)
			}
		}
	}
	if _, err := env.BindObject(classID, obj, wrapper, policy); err != nil {
		return nil, err
	}
	return wrapper, nil
}

// forceFreeAll frees every remaining binding as if the engine had abandoned
// it. Only called during Environment teardown.
func (env *Environment) forceFreeAll() {
	for {
		env.objectsMu.RLock()
		var next NativeObject
		found := false
		for obj := range env.objectsIndex {
			next = obj
			found = true
			break
		}
		env.objectsMu.RUnlock()
		if !found {
			return
		}
		env.freeObject(next, true)
	}
}
