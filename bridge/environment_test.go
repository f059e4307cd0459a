package bridge

import (
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// Environment lifecycle tests
// ---------------------------------------------------------------------------

func TestNewEnvironmentRegistersInStore(t *testing.T) {
	env := newTestEnvironment(t)
	if got := SharedStore().Access(env.ID()); got != env {
		t.Fatal("store should resolve the environment's token")
	}

	env.Dispose()
	if got := SharedStore().Access(env.ID()); got != nil {
		t.Fatal("disposed environment must not be resolvable")
	}
}

func TestDisposeIsIdempotent(t *testing.T) {
	env := newTestEnvironment(t)
	env.Dispose()
	env.Dispose()
	if !env.Disposed() {
		t.Error("environment should report disposed")
	}
}

func TestEvalReturnsCompletionValue(t *testing.T) {
	env := newTestEnvironment(t)
	if got := evalInt(t, env, "6*7"); got != 42 {
		t.Errorf("eval = %d, want 42", got)
	}
	if got := evalString(t, env, `"a"+"b"`); got != "ab" {
		t.Errorf("eval = %q, want \"ab\"", got)
	}
}

func TestEvalSyntaxErrorFails(t *testing.T) {
	env := newTestEnvironment(t)
	if _, err := env.Eval("function (", "bad.js"); err == nil {
		t.Fatal("expected a compile error")
	}
}

func TestEvalPromiseResultIsFireAndForget(t *testing.T) {
	env := newTestEnvironment(t)
	result, err := env.Eval("Promise.resolve(1)", "p.js")
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if result != nil {
		t.Errorf("promise completion should yield no value, got %v", result)
	}
}

func TestValidateScript(t *testing.T) {
	env := newTestEnvironment(t)
	if err := env.ValidateScript("var x = 1;", "ok.js"); err != nil {
		t.Errorf("valid source rejected: %v", err)
	}
	if err := env.ValidateScript("var = ;", "bad.js"); err == nil {
		t.Error("invalid source accepted")
	}
}

func TestGCDropsInternedNames(t *testing.T) {
	env := newTestEnvironment(t)
	env.stringValue("speed")
	env.stringValue("speed")
	env.stringValue("hp")
	if got := env.cachedNameCount(); got != 2 {
		t.Fatalf("cached names = %d, want 2", got)
	}
	env.GC()
	if got := env.cachedNameCount(); got != 0 {
		t.Errorf("cached names after GC = %d, want 0", got)
	}
}

func TestStatsSnapshot(t *testing.T) {
	env := newTestEnvironment(t)
	classID := registerWidgetClass(env, nil)
	if _, err := env.NewObjectWrapper(classID, &widget{name: "stat"}, BindExternal); err != nil {
		t.Fatalf("bind: %v", err)
	}

	stats := env.Stats()
	if stats.Objects != 1 {
		t.Errorf("Objects = %d, want 1", stats.Objects)
	}
	if stats.NativeClasses != 1 {
		t.Errorf("NativeClasses = %d, want 1", stats.NativeClasses)
	}
	if stats.HeapAlloc == 0 {
		t.Error("HeapAlloc should be non-zero")
	}
}

func TestTeardownCallbacksRun(t *testing.T) {
	env := newTestEnvironment(t)
	notified := 0
	env.AddTeardownCallback(func(e *Environment) {
		if e != env {
			t.Error("callback received the wrong environment")
		}
		notified++
	})
	env.Dispose()
	if notified != 1 {
		t.Errorf("teardown callback ran %d times, want 1", notified)
	}
}

// ---------------------------------------------------------------------------
// Late notification tests
// ---------------------------------------------------------------------------

type countingReleasable struct {
	released *int
}

func (c countingReleasable) Release() { *c.released++ }

func TestNotificationsAfterDisposeAreSafe(t *testing.T) {
	env := newTestEnvironment(t)
	classID := registerWidgetClass(env, nil)
	obj := &widget{name: "late"}
	if _, err := env.NewObjectWrapper(classID, obj, BindExternal); err != nil {
		t.Fatalf("bind: %v", err)
	}

	token := env.ID()
	env.Dispose()

	if EnvironmentAlive(token) {
		t.Error("token should be dead after dispose")
	}
	if mayDie := NotifyReferenceChanged(token, obj, true); !mayDie {
		t.Error("dead token must answer that the object may die")
	}
	NotifyUnbind(token, obj)

	released := 0
	NotifyDeferredRelease(token, countingReleasable{released: &released})
	if released != 1 {
		t.Errorf("deferred release with dead token should run inline, ran %d times", released)
	}
}

func TestNotificationsWithLiveToken(t *testing.T) {
	env := newTestEnvironment(t)
	classID := registerWidgetClass(env, nil)
	obj := &widget{name: "live"}
	if _, err := env.NewObjectWrapper(classID, obj, BindExternal); err != nil {
		t.Fatalf("bind: %v", err)
	}

	if mayDie := NotifyReferenceChanged(env.ID(), obj, true); mayDie {
		t.Error("increment through a live token should pin the object")
	}
	NotifyUnbind(env.ID(), obj)
	if env.IsBound(obj) {
		t.Error("unbind through a live token should remove the binding")
	}
}

func TestNotifyWrapperCreated(t *testing.T) {
	env := newTestEnvironment(t)
	classID := registerWidgetClass(env, nil)
	obj := &widget{name: "hosted"}

	id, err := NotifyWrapperCreated(env.ID(), classID, obj, BindExternal)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id == 0 {
		t.Fatal("live token should yield a binding id")
	}
	if !env.IsBound(obj) {
		t.Error("object should be bound after wrapper creation")
	}
	if _, err := NotifyWrapperCreated(env.ID(), classID, obj, BindExternal); !errors.Is(err, ErrDuplicateBinding) {
		t.Errorf("got %v, want ErrDuplicateBinding", err)
	}

	token := env.ID()
	env.Dispose()
	id, err = NotifyWrapperCreated(token, classID, &widget{name: "late"}, BindExternal)
	if err != nil {
		t.Fatalf("dead token should drop the request, got %v", err)
	}
	if id != 0 {
		t.Errorf("dead token yielded binding id %d", id)
	}
}
