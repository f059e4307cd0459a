package bridge

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"
)

// Resolver locates and loads source modules. Resolvers form an ordered
// chain on the Environment; the first one whose Resolve matches wins.
type Resolver interface {
	// Resolve maps a normalized module id to a canonical source location.
	// The location becomes the module's id.
	Resolve(id string) (location string, ok bool)
	// Load fetches the source at location and elevates it into m, typically
	// through Environment.LoadSource.
	Load(env *Environment, location string, m *Module) error
	// Stale reports whether the source at location changed since it was
	// loaded with the given modification time and content hash.
	Stale(location string, modified time.Time, hash string) bool
}

// ---------------------------------------------------------------------------
// Filesystem resolver
// ---------------------------------------------------------------------------

// SourceResolver resolves module ids against a list of filesystem roots.
// A bare id "a" matches "a.js", a directory with a package.json "main"
// entry, or a directory's "index.js", in that order.
type SourceResolver struct {
	roots []string
}

// NewSourceResolver returns a resolver with no roots; add them with
// AddSearchPath.
func NewSourceResolver() *SourceResolver {
	return &SourceResolver{}
}

// AddSearchPath appends a filesystem root to search.
func (r *SourceResolver) AddSearchPath(root string) {
	r.roots = append(r.roots, root)
}

type packageManifest struct {
	Main string `json:"main"`
}

func (r *SourceResolver) Resolve(id string) (string, bool) {
	for _, root := range r.roots {
		if location, ok := resolveInRoot(root, id); ok {
			return location, true
		}
	}
	return "", false
}

func resolveInRoot(root, id string) (string, bool) {
	full := filepath.Join(root, filepath.FromSlash(id))
	if isFile(full) && path.Ext(id) != "" {
		return path.Clean(id), true
	}
	if isFile(full + ".js") {
		return path.Clean(id) + ".js", true
	}
	info, err := os.Stat(full)
	if err != nil || !info.IsDir() {
		return "", false
	}
	if main := readPackageMain(filepath.Join(full, "package.json")); main != "" {
		entry := path.Join(path.Clean(id), main)
		if path.Ext(entry) == "" {
			entry += ".js"
		}
		if isFile(filepath.Join(root, filepath.FromSlash(entry))) {
			return entry, true
		}
	}
	if isFile(filepath.Join(full, "index.js")) {
		return path.Join(path.Clean(id), "index.js"), true
	}
	return "", false
}

func readPackageMain(manifestPath string) string {
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return ""
	}
	var manifest packageManifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		log.Warningf("malformed package manifest %q: %s", manifestPath, err.Error())
		return ""
	}
	return manifest.Main
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

func (r *SourceResolver) Load(env *Environment, location string, m *Module) error {
	full, info, err := r.locate(location)
	if err != nil {
		return err
	}
	source, err := os.ReadFile(full)
	if err != nil {
		return fmt.Errorf("reading module source %q: %w", location, err)
	}
	return env.LoadSource(m, location, source, info.ModTime(), sourceHash(source))
}

func (r *SourceResolver) Stale(location string, modified time.Time, hash string) bool {
	full, info, err := r.locate(location)
	if err != nil {
		return false
	}
	if info.ModTime().Equal(modified) {
		return false
	}
	source, err := os.ReadFile(full)
	if err != nil {
		return false
	}
	return sourceHash(source) != hash
}

func (r *SourceResolver) locate(location string) (string, os.FileInfo, error) {
	for _, root := range r.roots {
		full := filepath.Join(root, filepath.FromSlash(location))
		if info, err := os.Stat(full); err == nil && info.Mode().IsRegular() {
			return full, info, nil
		}
	}
	return "", nil, fmt.Errorf("%w: no source at %s", ErrUnknownModule, location)
}

func sourceHash(source []byte) string {
	sum := sha256.Sum256(source)
	return hex.EncodeToString(sum[:])
}
