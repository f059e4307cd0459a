package bridge

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// ---------------------------------------------------------------------------
// Module cache: load-once records forming the parent/child module graph
// ---------------------------------------------------------------------------

// Module is a cached script module. Records are created on first resolution,
// mutated in place on reload, and never destroyed individually; the whole
// graph goes down with the Environment.
type Module struct {
	// ID is the canonical module id. For source modules this equals the
	// resolved asset path.
	ID string
	// Path is the concrete source location reported by the resolver.
	Path string

	loaded          bool
	reloadRequested bool
	main            bool

	exports      goja.Value
	moduleObject *goja.Object
	children     []*Module

	resolver     Resolver
	timeModified time.Time
	hash         string

	// scriptClass is non-zero when the module declared a script class that
	// is owned by the host's script-resource system.
	scriptClass ScriptClassID
}

// IsLoaded reports whether the module is loaded and not flagged for reload.
func (m *Module) IsLoaded() bool { return m.loaded && !m.reloadRequested }

// Exports returns the module's exports value.
func (m *Module) Exports() goja.Value {
	if m.exports == nil {
		return goja.Undefined()
	}
	return m.exports
}

// Children returns the modules loaded through this module's require.
func (m *Module) Children() []*Module { return m.children }

// ScriptClass returns the id of the script class declared by this module,
// or zero.
func (m *Module) ScriptClass() ScriptClassID { return m.scriptClass }

func (m *Module) onLoad() {
	m.loaded = true
	if m.moduleObject != nil {
		_ = m.moduleObject.Set("loaded", true)
	}
}

// stale asks the module's resolver whether the underlying source changed.
func (m *Module) stale() bool {
	if m.resolver == nil || !m.loaded {
		return false
	}
	return m.resolver.Stale(m.Path, m.timeModified, m.hash)
}

// ModuleCache holds every module record of an environment.
type ModuleCache struct {
	mu      sync.RWMutex
	modules map[string]*Module
	mainID  string
}

func newModuleCache() *ModuleCache {
	return &ModuleCache{modules: make(map[string]*Module)}
}

// Find returns the cached module for id, or nil.
func (c *ModuleCache) Find(id string) *Module {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.modules[id]
}

// Main returns the main module, or nil if none has been designated.
func (c *ModuleCache) Main() *Module {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.mainID == "" {
		return nil
	}
	return c.modules[c.mainID]
}

// Len returns the number of cached module records.
func (c *ModuleCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.modules)
}

func (c *ModuleCache) all() []*Module {
	c.mu.RLock()
	defer c.mu.RUnlock()
	modules := make([]*Module, 0, len(c.modules))
	for _, m := range c.modules {
		modules = append(modules, m)
	}
	return modules
}

func (c *ModuleCache) insert(env *Environment, id string, mainCandidate bool) *Module {
	m := &Module{ID: id}
	m.moduleObject = env.vm.NewObject()
	exports := env.vm.NewObject()
	m.exports = exports
	_ = m.moduleObject.Set("id", id)
	_ = m.moduleObject.Set("exports", exports)
	_ = m.moduleObject.Set("loaded", false)

	c.mu.Lock()
	c.modules[id] = m
	if mainCandidate && c.mainID == "" {
		c.mainID = id
		m.main = true
	}
	c.mu.Unlock()
	return m
}

// deinit drops the script-side references of every record. The records
// themselves stay; the graph is only torn down with the Environment.
func (c *ModuleCache) deinit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.modules {
		m.exports = nil
		m.moduleObject = nil
		m.loaded = false
	}
}

// ---------------------------------------------------------------------------
// Load protocol
// ---------------------------------------------------------------------------

// ReloadResult reports the outcome of a reload request.
type ReloadResult int

const (
	// ReloadRequested: the module exists and now carries the reload flag.
	ReloadRequested ReloadResult = iota
	// ReloadNoChanges: the module is loaded and its source is unchanged.
	ReloadNoChanges
	// ReloadNoSuchModule: no record exists for the id.
	ReloadNoSuchModule
)

var ErrUnknownModule = errors.New("bridge: unknown module")

// ModuleCache returns the environment's module cache.
func (env *Environment) ModuleCache() *ModuleCache { return env.moduleCache }

// AddModuleLoader registers a loader for an exact module id. Virtual and
// built-in modules use this path; loaders do not support reload.
func (env *Environment) AddModuleLoader(id string, loader Loader) {
	if _, dup := env.moduleLoaders[id]; dup {
		log.Warningf("duplicated module loader %q replaced", id)
	}
	env.moduleLoaders[id] = loader
}

// AddModuleResolver appends a resolver to the chain. Resolvers are consulted
// in registration order; the first match wins.
func (env *Environment) AddModuleResolver(r Resolver) {
	env.moduleResolvers = append(env.moduleResolvers, r)
}

// Load loads a module by id from native code, logging any failure.
func (env *Environment) Load(name string) (*Module, error) {
	env.checkInternalState()
	m, err := env.loadModule("", name)
	if err != nil {
		log.Errorf("failed to load %q: %s", name, err.Error())
		return nil, err
	}
	return m, nil
}

// loadModule resolves and loads moduleID relative to parentID. It is
// idempotent for loaded modules and re-runs the resolver in place for
// modules flagged for reload.
func (env *Environment) loadModule(parentID, moduleID string) (*Module, error) {
	if existing := env.moduleCache.Find(moduleID); existing != nil && existing.IsLoaded() {
		return existing, nil
	}

	// exact-id loaders come first; they never reload
	if loader, ok := env.moduleLoaders[moduleID]; ok {
		if existing := env.moduleCache.Find(moduleID); existing != nil {
			env.reportInvariant("module loader %q does not support reloading", moduleID)
			return existing, nil
		}
		m := env.moduleCache.insert(env, moduleID, false)
		if err := loader.Load(env, m); err != nil {
			return nil, fmt.Errorf("loading module %q: %w", moduleID, err)
		}
		m.onLoad()
		return m, nil
	}

	normalized, err := normalizeModuleID(parentID, moduleID)
	if err != nil {
		return nil, err
	}

	resolver, location := env.findModuleResolver(normalized)
	if resolver == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, normalized)
	}

	// re-check with the resolved id, which is the canonical module id
	existing := env.moduleCache.Find(location)
	if existing != nil && existing.IsLoaded() {
		return existing, nil
	}

	if existing != nil {
		log.Debugf("reloading module %s", location)
		existing.reloadRequested = false
		if err := resolver.Load(env, location, existing); err != nil {
			return nil, fmt.Errorf("reloading module %q: %w", location, err)
		}
		env.parseScriptClass(existing)
		return existing, nil
	}

	log.Debugf("instantiating module %s", location)
	m := env.moduleCache.insert(env, location, parentID == "")
	m.Path = location
	m.resolver = resolver
	if err := resolver.Load(env, location, m); err != nil {
		return nil, fmt.Errorf("loading module %q: %w", location, err)
	}

	// link into the parent's children; a missing parent only logs
	if parentID != "" {
		if parent := env.moduleCache.Find(parentID); parent != nil {
			parent.children = append(parent.children, m)
		} else {
			log.Warningf("parent module not found with the name %q", parentID)
		}
	}

	m.onLoad()
	env.parseScriptClass(m)
	return m, nil
}

func (env *Environment) findModuleResolver(moduleID string) (Resolver, string) {
	for _, r := range env.moduleResolvers {
		if location, ok := r.Resolve(moduleID); ok {
			return r, location
		}
	}
	return nil, ""
}

// normalizeModuleID resolves relative ids against the parent's directory.
func normalizeModuleID(parentID, moduleID string) (string, error) {
	if !strings.HasPrefix(moduleID, "./") && !strings.HasPrefix(moduleID, "../") {
		return moduleID, nil
	}
	combined := path.Join(path.Dir(parentID), moduleID)
	if combined == "" || strings.HasPrefix(combined, "..") {
		return "", fmt.Errorf("bridge: bad module path %q relative to %q", moduleID, parentID)
	}
	return combined, nil
}

// ScanForChanges walks modules not owned by the host's script-resource
// system, asks each to self-report staleness, and immediately reloads the
// stale subset.
func (env *Environment) ScanForChanges() {
	env.checkInternalState()
	var requested []string
	for _, m := range env.moduleCache.all() {
		if m.scriptClass != 0 {
			continue
		}
		if m.stale() {
			m.reloadRequested = true
			requested = append(requested, m.ID)
		}
	}
	for _, id := range requested {
		log.Debugf("changed module check: %s", id)
		if _, err := env.Load(id); err != nil {
			log.Errorf("reload of %q failed: %s", id, err.Error())
		}
	}
}

// RequestReload flags a module for reload on its next load. The flag is
// monotonic: requesting reload on an already-flagged module keeps it.
func (env *Environment) RequestReload(id string) ReloadResult {
	m := env.moduleCache.Find(id)
	if m == nil {
		return ReloadNoSuchModule
	}
	if !m.loaded || m.reloadRequested {
		m.reloadRequested = true
		return ReloadRequested
	}
	if m.stale() {
		m.reloadRequested = true
		return ReloadRequested
	}
	return ReloadNoChanges
}

// ---------------------------------------------------------------------------
// Source elevation
// ---------------------------------------------------------------------------

const (
	sourceHeader = "(function(exports,require,module,__filename,__dirname){"
	sourceFooter = "\n})"
)

// LoadSource compiles module source and runs its elevator with the usual
// (exports, require, module, __filename, __dirname) arguments. Resolver
// implementations call this after fetching the source bytes.
func (env *Environment) LoadSource(m *Module, assetPath string, source []byte, modified time.Time, hash string) error {
	wrapped := sourceHeader + string(source) + sourceFooter
	value, err := env.compileRun(wrapped, assetPath)
	if err != nil {
		return err
	}
	elevator, ok := goja.AssertFunction(value)
	if !ok {
		return fmt.Errorf("bridge: bad module elevator for %q", assetPath)
	}

	m.timeModified = modified
	m.hash = hash
	if m.moduleObject == nil {
		m.moduleObject = env.vm.NewObject()
	}
	if m.exports == nil {
		m.exports = env.vm.NewObject()
		_ = m.moduleObject.Set("exports", m.exports)
	}
	dirname := path.Dir(assetPath)
	_ = m.moduleObject.Set("filename", assetPath)
	_ = m.moduleObject.Set("path", dirname)

	args := []goja.Value{
		m.Exports(),
		env.newRequireValue(m.ID),
		m.moduleObject,
		env.stringValue(assetPath),
		env.stringValue(dirname),
	}
	if _, err := elevator(goja.Undefined(), args...); err != nil {
		return fmt.Errorf("evaluating %s: %w", assetPath, err)
	}

	// `exports` may have been reassigned during evaluation
	if updated := m.moduleObject.Get("exports"); updated != nil {
		m.exports = updated
	}
	return nil
}

// newRequireValue builds a per-module require function carrying a reference
// to the main module.
func (env *Environment) newRequireValue(parentID string) goja.Value {
	require := func(call goja.FunctionCall) goja.Value {
		id := call.Argument(0).String()
		m, err := env.loadModule(parentID, id)
		if err != nil {
			panic(env.vm.NewGoError(err))
		}
		return m.Exports()
	}
	value := env.vm.ToValue(require)
	if obj, ok := value.(*goja.Object); ok {
		if main := env.moduleCache.Main(); main != nil && main.moduleObject != nil {
			_ = obj.Set("main", main.moduleObject)
		} else {
			_ = obj.Set("main", goja.Undefined())
		}
	}
	return value
}

func (env *Environment) registerRequireBuiltin() {
	_ = env.vm.GlobalObject().Set("require", env.newRequireValue(""))
}
