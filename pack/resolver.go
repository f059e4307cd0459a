package pack

import (
	"path"
	"time"

	"github.com/GeTechG/jsbind/bridge"
)

// Resolver serves modules out of a pack store. Pack contents are immutable
// while the process runs, so loaded modules never report stale.
type Resolver struct {
	store *Store
}

// NewResolver wraps a store as a bridge module resolver.
func NewResolver(store *Store) *Resolver {
	return &Resolver{store: store}
}

func (r *Resolver) Resolve(id string) (string, bool) {
	clean := path.Clean(id)
	if r.store.Has(clean) && path.Ext(clean) != "" {
		return clean, true
	}
	if r.store.Has(clean + ".js") {
		return clean + ".js", true
	}
	if r.store.Has(path.Join(clean, "index.js")) {
		return path.Join(clean, "index.js"), true
	}
	return "", false
}

func (r *Resolver) Load(env *bridge.Environment, location string, m *bridge.Module) error {
	entry, err := r.store.Get(location)
	if err != nil {
		return err
	}
	return env.LoadSource(m, location, entry.Source, entry.Modified, entry.Hash)
}

func (r *Resolver) Stale(location string, modified time.Time, hash string) bool {
	return false
}
