package bridge

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Shared test fixtures
// ---------------------------------------------------------------------------

// widget is the native object used throughout the binding tests.
type widget struct {
	name string
}

// finalizerProbe records what the class finalizer observed.
type finalizerProbe struct {
	calls          int
	lastPersistent bool
}

func newTestEnvironment(t *testing.T) *Environment {
	t.Helper()
	env := NewEnvironment(Options{})
	t.Cleanup(func() {
		if !env.Disposed() {
			env.Dispose()
		}
	})
	return env
}

func newSourceEnvironment(t *testing.T, root string) *Environment {
	t.Helper()
	env := NewEnvironment(Options{SourceRoots: []string{root}})
	t.Cleanup(func() {
		if !env.Disposed() {
			env.Dispose()
		}
	})
	return env
}

// registerWidgetClass registers the shared test class. The probe may be nil.
func registerWidgetClass(env *Environment, probe *finalizerProbe) NativeClassID {
	return env.AddClass(NativeClassInfo{
		Name:     "Widget",
		Category: ClassNativeObject,
		Factory: func() NativeObject {
			return &widget{name: "scripted"}
		},
		Finalizer: func(env *Environment, obj NativeObject, wasPersistent bool) {
			if probe != nil {
				probe.calls++
				probe.lastPersistent = wasPersistent
			}
		},
		Methods: map[string]func(env *Environment, obj NativeObject, args []NativeValue) (NativeValue, error){
			"describe": func(env *Environment, obj NativeObject, args []NativeValue) (NativeValue, error) {
				return obj.(*widget).name, nil
			},
		},
	})
}

func writeModuleFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", rel, err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
	return full
}

// touchModuleFile rewrites a module file with new content and pushes its
// mtime forward so staleness checks observe a change.
func touchModuleFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := writeModuleFile(t, root, rel, content)
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(full, future, future); err != nil {
		t.Fatalf("chtimes %s: %v", rel, err)
	}
}

func evalInt(t *testing.T, env *Environment, source string) int64 {
	t.Helper()
	result, err := env.Eval(source, "test.js")
	if err != nil {
		t.Fatalf("eval %q: %v", source, err)
	}
	n, ok := result.(int64)
	if !ok {
		t.Fatalf("eval %q: got %T(%v), want int64", source, result, result)
	}
	return n
}

func evalString(t *testing.T, env *Environment, source string) string {
	t.Helper()
	result, err := env.Eval(source, "test.js")
	if err != nil {
		t.Fatalf("eval %q: %v", source, err)
	}
	s, ok := result.(string)
	if !ok {
		t.Fatalf("eval %q: got %T(%v), want string", source, result, result)
	}
	return s
}
