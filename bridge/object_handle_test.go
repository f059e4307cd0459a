package bridge

import (
	"errors"
	"runtime"
	"testing"
)

// ---------------------------------------------------------------------------
// Object handle table tests
// ---------------------------------------------------------------------------

func TestBindObjectAssignsDistinctIDs(t *testing.T) {
	env := newTestEnvironment(t)
	classID := registerWidgetClass(env, nil)

	a := &widget{name: "a"}
	b := &widget{name: "b"}
	wa, err := env.NewObjectWrapper(classID, a, BindExternal)
	if err != nil {
		t.Fatalf("bind a: %v", err)
	}
	wb, err := env.NewObjectWrapper(classID, b, BindExternal)
	if err != nil {
		t.Fatalf("bind b: %v", err)
	}

	ida, ok := env.GetObjectID(a)
	if !ok || ida == 0 {
		t.Fatalf("a should have a non-zero id, got %d", ida)
	}
	idb, _ := env.GetObjectID(b)
	if ida == idb {
		t.Errorf("ids should be distinct, both %d", ida)
	}
	if !env.IsBound(a) || !env.IsBound(b) {
		t.Error("both objects should be bound")
	}
	runtime.KeepAlive(wa)
	runtime.KeepAlive(wb)
}

func TestBindObjectRejectsDuplicate(t *testing.T) {
	env := newTestEnvironment(t)
	classID := registerWidgetClass(env, nil)

	obj := &widget{name: "once"}
	if _, err := env.NewObjectWrapper(classID, obj, BindExternal); err != nil {
		t.Fatalf("first bind: %v", err)
	}
	_, err := env.NewObjectWrapper(classID, obj, BindExternal)
	if !errors.Is(err, ErrDuplicateBinding) {
		t.Fatalf("second bind: got %v, want ErrDuplicateBinding", err)
	}
}

func TestBindObjectRejectsValueType(t *testing.T) {
	env := newTestEnvironment(t)
	classID := env.AddClass(NativeClassInfo{Name: "Vec3", Category: ClassValueType})

	_, err := env.NewObjectWrapper(classID, &widget{}, BindExternal)
	if !errors.Is(err, ErrValueTypeBound) {
		t.Fatalf("got %v, want ErrValueTypeBound", err)
	}
}

func TestBindObjectRejectsUnknownClass(t *testing.T) {
	env := newTestEnvironment(t)
	_, err := env.NewObjectWrapper(NativeClassID(999), &widget{}, BindExternal)
	if !errors.Is(err, ErrUnknownClass) {
		t.Fatalf("got %v, want ErrUnknownClass", err)
	}
}

func TestReferenceCountEdges(t *testing.T) {
	env := newTestEnvironment(t)
	classID := registerWidgetClass(env, nil)

	obj := &widget{name: "refs"}
	wrapper, err := env.NewObjectWrapper(classID, obj, BindExternal)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}

	// external bindings start with one native reference
	if mayDie := env.ReferenceObject(obj, false); !mayDie {
		t.Error("1->0 edge should report the object may die")
	}
	// decrement below zero is tolerated and stays a may-die answer
	if mayDie := env.ReferenceObject(obj, false); !mayDie {
		t.Error("decrement at zero should be a no-op reporting may-die")
	}
	// 0->1 turns the wrapper strong again
	if mayDie := env.ReferenceObject(obj, true); mayDie {
		t.Error("0->1 edge should pin the object")
	}
	if _, ok := env.GetObject(obj); !ok {
		t.Error("wrapper should still be reachable after re-pin")
	}
	runtime.KeepAlive(wrapper)
}

func TestReferenceUnknownObjectTolerated(t *testing.T) {
	env := newTestEnvironment(t)
	if mayDie := env.ReferenceObject(&widget{}, true); !mayDie {
		t.Error("unknown object should be treated as already dead")
	}
}

func TestUnbindSkipsFinalizer(t *testing.T) {
	env := newTestEnvironment(t)
	probe := &finalizerProbe{}
	classID := registerWidgetClass(env, probe)

	obj := &widget{name: "unbind"}
	wrapper, err := env.NewObjectWrapper(classID, obj, BindExternal)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	env.UnbindObject(obj)

	if env.IsBound(obj) {
		t.Error("object should no longer be bound")
	}
	if probe.calls != 0 {
		t.Errorf("finalizer ran %d times on unbind, want 0", probe.calls)
	}
	if native := env.BoundObject(wrapper); native != nil {
		t.Error("wrapper back-pointer should be severed after unbind")
	}
}

func TestReclaimFreesWeakBinding(t *testing.T) {
	env := newTestEnvironment(t)
	probe := &finalizerProbe{}
	classID := registerWidgetClass(env, probe)

	obj := &widget{name: "weak"}
	wrapper, err := env.NewObjectWrapper(classID, obj, BindManaged)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}

	env.objectsMu.RLock()
	epoch := env.objects[env.objectsIndex[obj]].epoch
	env.objectsMu.RUnlock()

	env.reclaimObject(obj, epoch)
	if env.IsBound(obj) {
		t.Error("object should be freed by reclamation")
	}
	if probe.calls != 1 {
		t.Errorf("finalizer ran %d times, want 1", probe.calls)
	}
	runtime.KeepAlive(wrapper)
}

func TestReclaimWhileStrongIsNoOp(t *testing.T) {
	env := newTestEnvironment(t)
	probe := &finalizerProbe{}
	classID := registerWidgetClass(env, probe)

	obj := &widget{name: "pinned"}
	wrapper, err := env.NewObjectWrapper(classID, obj, BindManaged)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	env.objectsMu.RLock()
	weakEpoch := env.objects[env.objectsIndex[obj]].epoch
	env.objectsMu.RUnlock()

	// pin; a reclamation registered for the old weak state must now be stale
	env.ReferenceObject(obj, true)
	env.reclaimObject(obj, weakEpoch)

	if !env.IsBound(obj) {
		t.Fatal("stale reclamation must not free a pinned object")
	}
	if probe.calls != 0 {
		t.Errorf("finalizer ran %d times, want 0", probe.calls)
	}
	runtime.KeepAlive(wrapper)
}

func TestReclaimRacingRepinIsNoOp(t *testing.T) {
	env := newTestEnvironment(t)
	probe := &finalizerProbe{}
	classID := registerWidgetClass(env, probe)

	obj := &widget{name: "raced"}
	wrapper, err := env.NewObjectWrapper(classID, obj, BindManaged)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	env.objectsMu.Lock()
	handle := env.objects[env.objectsIndex[obj]]
	epoch := handle.epoch
	// a 0->1 edge landing between a collector notification and the free:
	// the handle is pinned but the notification still carries a live epoch
	handle.refCount = 1
	env.objectsMu.Unlock()

	env.reclaimObject(obj, epoch)

	if !env.IsBound(obj) {
		t.Fatal("reclamation must not free a handle that turned strong")
	}
	if probe.calls != 0 {
		t.Errorf("finalizer ran %d times, want 0", probe.calls)
	}
	runtime.KeepAlive(wrapper)
}

func TestMarkAsPersistentReportedToFinalizer(t *testing.T) {
	env := newTestEnvironment(t)
	probe := &finalizerProbe{}
	classID := registerWidgetClass(env, probe)

	obj := &widget{name: "singleton"}
	wrapper, err := env.NewObjectWrapper(classID, obj, BindManaged)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	env.MarkAsPersistent(obj)

	if _, ok := env.GetObject(obj); !ok {
		t.Fatal("persistent object should keep a live wrapper")
	}

	env.Dispose()
	if probe.calls != 1 {
		t.Fatalf("finalizer ran %d times at teardown, want 1", probe.calls)
	}
	if !probe.lastPersistent {
		t.Error("finalizer should observe the persistent flag")
	}
	runtime.KeepAlive(wrapper)
}

func TestBoundObjectRoundTrip(t *testing.T) {
	env := newTestEnvironment(t)
	classID := registerWidgetClass(env, nil)

	obj := &widget{name: "round"}
	wrapper, err := env.NewObjectWrapper(classID, obj, BindExternal)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if native := env.BoundObject(wrapper); native != obj {
		t.Errorf("BoundObject returned %v, want the bound widget", native)
	}
	if info := env.ObjectClass(obj); info == nil || info.Name != "Widget" {
		t.Errorf("ObjectClass = %v, want Widget descriptor", info)
	}
}

func TestDisposeForceFreesRemainingBindings(t *testing.T) {
	env := newTestEnvironment(t)
	probe := &finalizerProbe{}
	classID := registerWidgetClass(env, probe)

	wa, _ := env.NewObjectWrapper(classID, &widget{name: "a"}, BindExternal)
	wb, _ := env.NewObjectWrapper(classID, &widget{name: "b"}, BindManaged)

	env.Dispose()
	if probe.calls != 2 {
		t.Fatalf("finalizer ran %d times, want 2", probe.calls)
	}
	runtime.KeepAlive(wa)
	runtime.KeepAlive(wb)
}
