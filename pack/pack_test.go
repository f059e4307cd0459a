package pack

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/GeTechG/jsbind/bridge"
	"github.com/dop251/goja"
)

// ---------------------------------------------------------------------------
// Store tests
// ---------------------------------------------------------------------------

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.pack"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStorePutGet(t *testing.T) {
	store := openTestStore(t)
	modified := time.Unix(1700000000, 0)
	if err := store.Put("a.js", []byte("exports.v = 1;"), modified); err != nil {
		t.Fatalf("put: %v", err)
	}

	entry, err := store.Get("a.js")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(entry.Source) != "exports.v = 1;" {
		t.Errorf("source = %q", entry.Source)
	}
	if !entry.Modified.Equal(modified) {
		t.Errorf("modified = %v, want %v", entry.Modified, modified)
	}
	if entry.Hash != hashSource([]byte("exports.v = 1;")) {
		t.Errorf("hash mismatch: %s", entry.Hash)
	}
}

func TestStoreGetMissing(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.Get("nope.js"); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("got %v, want ErrEntryNotFound", err)
	}
}

func TestStorePutReplaces(t *testing.T) {
	store := openTestStore(t)
	if err := store.Put("a.js", []byte("old"), time.Unix(1, 0)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put("a.js", []byte("new"), time.Unix(2, 0)); err != nil {
		t.Fatalf("replace: %v", err)
	}

	entry, err := store.Get("a.js")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(entry.Source) != "new" {
		t.Errorf("source = %q, want \"new\"", entry.Source)
	}
	n, err := store.Count()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestStoreIDsSorted(t *testing.T) {
	store := openTestStore(t)
	for _, id := range []string{"z.js", "a.js", "m/x.js"} {
		if err := store.Put(id, []byte("1"), time.Unix(0, 0)); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	ids, err := store.IDs()
	if err != nil {
		t.Fatalf("ids: %v", err)
	}
	want := []string{"a.js", "m/x.js", "z.js"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}

// ---------------------------------------------------------------------------
// Manifest tests
// ---------------------------------------------------------------------------

func TestManifestRoundTrip(t *testing.T) {
	m := &Manifest{
		Version:   ManifestVersion,
		Entry:     "main.js",
		CreatedAt: 1700000000,
		Modules: []ManifestModule{
			{ID: "main.js", Hash: "abc", Size: 10, Modified: 5},
			{ID: "util.js", Hash: "def", Size: 20, Modified: 6},
		},
	}
	data, err := MarshalManifest(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := UnmarshalManifest(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Entry != "main.js" || len(got.Modules) != 2 {
		t.Errorf("round trip lost data: %+v", got)
	}
	if rec, ok := got.Lookup("util.js"); !ok || rec.Hash != "def" {
		t.Errorf("lookup util.js = %+v, %t", rec, ok)
	}
}

func TestManifestEncodingIsDeterministic(t *testing.T) {
	m := &Manifest{Version: ManifestVersion, CreatedAt: 1, Modules: []ManifestModule{{ID: "a", Hash: "h"}}}
	first, err := MarshalManifest(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	second, err := MarshalManifest(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("canonical encoding should be byte-stable")
	}
}

func TestManifestRejectsNewerVersion(t *testing.T) {
	data, err := cborEncMode.Marshal(&Manifest{Version: ManifestVersion + 1})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := UnmarshalManifest(data); err == nil {
		t.Fatal("newer manifest version should be rejected")
	}
}

func TestStoreManifestPersistence(t *testing.T) {
	store := openTestStore(t)
	if err := store.WriteManifest(&Manifest{Version: ManifestVersion, Entry: "app.js", CreatedAt: 9}); err != nil {
		t.Fatalf("write: %v", err)
	}
	m, err := store.ReadManifest()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if m.Entry != "app.js" {
		t.Errorf("entry = %q, want \"app.js\"", m.Entry)
	}
}

// ---------------------------------------------------------------------------
// Build and resolver tests
// ---------------------------------------------------------------------------

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
}

func TestBuildPacksSourceTree(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"main.js":     `exports.v = require("./sub/util").v;`,
		"sub/util.js": "exports.v = 5;",
		"notes.txt":   "not a module",
	})
	dbPath := filepath.Join(t.TempDir(), "app.pack")

	manifest, err := Build(dbPath, root, "main.js")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(manifest.Modules) != 2 {
		t.Fatalf("packed %d modules, want 2", len(manifest.Modules))
	}
	if _, ok := manifest.Lookup("sub/util.js"); !ok {
		t.Error("sub/util.js missing from manifest")
	}

	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	if store.Has("notes.txt") {
		t.Error("non-module files must not be packed")
	}
	stored, err := store.ReadManifest()
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if stored.Entry != "main.js" {
		t.Errorf("entry = %q, want \"main.js\"", stored.Entry)
	}
}

func TestResolverServesBridgeModules(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"main.js": `exports.total = require("./util").v + 1;`,
		"util.js": "exports.v = 41;",
	})
	dbPath := filepath.Join(t.TempDir(), "app.pack")
	if _, err := Build(dbPath, root, "main.js"); err != nil {
		t.Fatalf("build: %v", err)
	}
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	env := bridge.NewEnvironment(bridge.Options{})
	defer env.Dispose()
	env.AddModuleResolver(NewResolver(store))

	m, err := env.Load("main")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.ID != "main.js" {
		t.Errorf("module id = %q, want \"main.js\"", m.ID)
	}
	total := m.Exports().(*goja.Object).Get("total").ToInteger()
	if total != 42 {
		t.Errorf("total = %d, want 42", total)
	}
}

func TestResolverNeverReportsStale(t *testing.T) {
	store := openTestStore(t)
	if err := store.Put("a.js", []byte("exports.v = 1;"), time.Unix(1, 0)); err != nil {
		t.Fatalf("put: %v", err)
	}
	r := NewResolver(store)
	if r.Stale("a.js", time.Unix(0, 0), "different") {
		t.Error("pack modules are immutable and must never be stale")
	}
}
