package bridge

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"github.com/petermattis/goid"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("jsbind.bridge")

// defaultDeletionQueueSize bounds the deferred-release ring when no explicit
// capacity is configured.
const defaultDeletionQueueSize = 128

// Options configures a new Environment.
type Options struct {
	// StrictChecks makes checked invariant violations panic instead of only
	// logging. Enable in development and tests.
	StrictChecks bool
	// DeletionQueueSize bounds the deferred-release ring buffer.
	DeletionQueueSize int
	// SourceRoots seeds a filesystem SourceResolver when non-empty.
	SourceRoots []string
}

// Environment owns one embedded engine instance and its single global
// execution context, and composes the handle table, class registries, module
// cache, function cache and timer driver on top of it.
//
// Environment is not thread-safe: every mutating operation asserts it runs
// on the goroutine that constructed it. The only tolerated exceptions are
// engine reclamation cleanups and host binding callbacks, which re-validate
// through the process-wide EnvironmentStore first.
type Environment struct {
	id       EnvironmentID
	threadID int64
	opts     Options

	vm      *goja.Runtime
	symbols [symCount]*goja.Symbol

	// object handle table
	objectsMu         sync.RWMutex
	objects           map[NativeObjectID]*objectHandle
	objectsIndex      map[NativeObject]NativeObjectID
	persistentObjects map[NativeObject]struct{}
	nextObjectID      atomic.Uint64

	// native class registry
	classesMu      sync.RWMutex
	nativeClasses  map[NativeClassID]*NativeClassInfo
	hostClassIndex map[string]NativeClassID
	classRegisters map[string]*deferredClassRegister
	nextClassID    atomic.Uint32

	// script class registry
	scriptClassesMu   sync.RWMutex
	scriptClasses     map[ScriptClassID]*ScriptClassInfo
	nextScriptClassID atomic.Uint32

	// module system
	moduleCache     *ModuleCache
	moduleLoaders   map[string]Loader
	moduleResolvers []Resolver

	// function cache
	functionsMu    sync.RWMutex
	functionBank   map[FunctionID]*cachedFunction
	functionRefs   map[*goja.Object]FunctionID
	nextFunctionID atomic.Uint32

	// interned script strings for property access
	namesMu   sync.RWMutex
	nameCache map[string]goja.Value

	catalogue *Catalogue
	timers    *TimerManager
	pending   *releaseRing

	teardownMu        sync.Mutex
	teardownCallbacks []func(*Environment)

	lastTick      time.Time
	microtasksRun bool
	disposed      atomic.Bool
}

// NewEnvironment constructs an environment: engine instance, global context,
// interned symbols, built-in module loaders, registration with the shared
// store, and bootstrap bindings.
func NewEnvironment(opts Options) *Environment {
	env := &Environment{
		id:                uuid.New(),
		threadID:          goid.Get(),
		opts:              opts,
		vm:                goja.New(),
		symbols:           internSymbols(),
		objects:           make(map[NativeObjectID]*objectHandle),
		objectsIndex:      make(map[NativeObject]NativeObjectID),
		persistentObjects: make(map[NativeObject]struct{}),
		nativeClasses:     make(map[NativeClassID]*NativeClassInfo),
		hostClassIndex:    make(map[string]NativeClassID),
		classRegisters:    make(map[string]*deferredClassRegister),
		scriptClasses:     make(map[ScriptClassID]*ScriptClassInfo),
		moduleLoaders:     make(map[string]Loader),
		functionBank:      make(map[FunctionID]*cachedFunction),
		functionRefs:      make(map[*goja.Object]FunctionID),
		nameCache:         make(map[string]goja.Value),
		catalogue:         newCatalogue(),
		timers:            newTimerManager(),
		lastTick:          time.Now(),
	}
	env.pending = newReleaseRing(opts.DeletionQueueSize)
	env.moduleCache = newModuleCache()

	env.vm.SetPromiseRejectionTracker(func(p *goja.Promise, op goja.PromiseRejectionOperation) {
		if op == goja.PromiseRejectionReject {
			log.Errorf("unhandled promise rejection: %s", p.Result().String())
		}
	})

	env.moduleLoaders[hostModuleID] = &catalogueModuleLoader{}
	if len(opts.SourceRoots) > 0 {
		resolver := NewSourceResolver()
		for _, root := range opts.SourceRoots {
			resolver.AddSearchPath(root)
		}
		env.AddModuleResolver(resolver)
	}

	sharedStore.add(env)

	env.registerTimerBuiltins()
	env.registerRequireBuiltin()

	log.Infof("environment %s created", env.id.String())
	return env
}

// ID returns the environment's token in the process-wide store.
func (env *Environment) ID() EnvironmentID { return env.id }

// Runtime exposes the underlying engine instance. Callers must respect the
// environment's goroutine affinity.
func (env *Environment) Runtime() *goja.Runtime { return env.vm }

// AddTeardownCallback registers a collaborator to be notified when the
// execution context is being destroyed.
func (env *Environment) AddTeardownCallback(fn func(*Environment)) {
	env.teardownMu.Lock()
	defer env.teardownMu.Unlock()
	env.teardownCallbacks = append(env.teardownCallbacks, fn)
}

// Dispose tears the environment down. The order is strict: violating it
// risks running finalizers against a disposed engine.
func (env *Environment) Dispose() {
	env.checkInternalState()
	if !env.disposed.CompareAndSwap(false, true) {
		return
	}
	log.Infof("disposing environment %s", env.id.String())

	// (1) drop cached script function references
	env.functionsMu.Lock()
	env.functionBank = make(map[FunctionID]*cachedFunction)
	env.functionRefs = make(map[*goja.Object]FunctionID)
	env.functionsMu.Unlock()

	// (2) notify collaborators of context teardown
	env.teardownMu.Lock()
	callbacks := env.teardownCallbacks
	env.teardownCallbacks = nil
	env.teardownMu.Unlock()
	for _, fn := range callbacks {
		fn(env)
	}

	// (3) dispose the execution context
	env.moduleCache.deinit()
	global := env.vm.GlobalObject()
	for _, name := range []string{"require", "setTimeout", "setInterval", "clearTimeout", "clearInterval"} {
		_ = global.Set(name, goja.Undefined())
	}

	// (4) tear down script class records
	env.scriptClassesMu.Lock()
	env.scriptClasses = make(map[ScriptClassID]*ScriptClassInfo)
	env.scriptClassesMu.Unlock()

	// (5) release interned symbols
	for i := range env.symbols {
		env.symbols[i] = nil
	}

	// (6) deregister from the process-wide store
	sharedStore.remove(env.id)

	// (7) drain pending timers
	env.timers.clearAll()

	// (8) delete module loaders and resolvers
	env.moduleLoaders = make(map[string]Loader)
	env.moduleResolvers = nil

	// (9) force-free every remaining bound object as engine-abandoned
	env.forceFreeAll()

	// (10) dispose the engine instance
	env.namesMu.Lock()
	env.nameCache = make(map[string]goja.Value)
	env.namesMu.Unlock()
	env.vm = nil

	// (11) flush values queued for deferred destruction
	if released := env.pending.drain(); released > 0 {
		log.Debugf("released %d deferred values at teardown", released)
	}
}

// Disposed reports whether Dispose has run.
func (env *Environment) Disposed() bool { return env.disposed.Load() }

// Update is the periodic pump: advance timers, take a microtask checkpoint
// only when timers actually fired, and drain deferred destructions.
func (env *Environment) Update() {
	env.checkInternalState()
	now := time.Now()
	elapsed := uint64(now.Sub(env.lastTick) / time.Millisecond)
	env.lastTick = now
	env.updateWithElapsed(elapsed)
}

func (env *Environment) updateWithElapsed(elapsedMS uint64) {
	if env.timers.advance(elapsedMS) {
		if env.invokeTimers() {
			env.microtasksRun = true
		}
	}
	if env.microtasksRun {
		env.microtasksRun = false
		env.performMicrotaskCheckpoint()
	}
	if env.pending.pending() > 0 {
		env.pending.drain()
	}
}

// NotifyMicrotasksRun requests a microtask checkpoint on the next update.
func (env *Environment) NotifyMicrotasksRun() {
	env.microtasksRun = true
}

// performMicrotaskCheckpoint flushes the engine's job queue. goja drains
// promise jobs on every host-to-script return, so the checkpoint only has to
// nudge the runtime once more for jobs enqueued from host code.
func (env *Environment) performMicrotaskCheckpoint() {
	if env.vm == nil {
		return
	}
	if _, err := env.vm.RunString(""); err != nil {
		log.Errorf("microtask checkpoint failed: %s", err.Error())
	}
}

// QueueDeferredRelease hands a value whose destructor is unsafe on the
// calling goroutine over to the logical goroutine. Safe to call from
// collector goroutines.
func (env *Environment) QueueDeferredRelease(v Releasable) {
	env.pending.queue(v)
}

// Eval compiles and runs a source snippet, returning its completion value.
func (env *Environment) Eval(source, filename string) (NativeValue, error) {
	env.checkInternalState()
	value, err := env.compileRun(source, filename)
	if err != nil {
		return nil, err
	}
	native, ok := env.scriptToNative(value)
	if !ok {
		if isPromise(value) {
			return nil, nil
		}
		return nil, fmt.Errorf("bridge: eval result of %q is not convertible", filename)
	}
	return native, nil
}

// ValidateScript compiles source without running it.
func (env *Environment) ValidateScript(source, filename string) error {
	if _, err := goja.Compile(filename, source, false); err != nil {
		return fmt.Errorf("validating %s: %w", filename, err)
	}
	return nil
}

// GC drops interned-name caches and requests a collection pass.
func (env *Environment) GC() {
	env.checkInternalState()
	env.namesMu.Lock()
	env.nameCache = make(map[string]goja.Value)
	env.namesMu.Unlock()
	runtime.GC()
}

// compileRun compiles source and runs it in the global context. A thrown
// script error is returned as a *goja.Exception wrapped with the filename.
func (env *Environment) compileRun(source, filename string) (goja.Value, error) {
	program, err := goja.Compile(filename, source, false)
	if err != nil {
		return nil, fmt.Errorf("compiling %s: %w", filename, err)
	}
	value, err := env.vm.RunProgram(program)
	if err != nil {
		return nil, fmt.Errorf("running %s: %w", filename, err)
	}
	return value, nil
}

// stringValue returns a cached script string for a property name.
func (env *Environment) stringValue(name string) goja.Value {
	env.namesMu.RLock()
	value, ok := env.nameCache[name]
	env.namesMu.RUnlock()
	if ok {
		return value
	}
	value = env.vm.ToValue(name)
	env.namesMu.Lock()
	env.nameCache[name] = value
	env.namesMu.Unlock()
	return value
}

func (env *Environment) cachedNameCount() int {
	env.namesMu.RLock()
	defer env.namesMu.RUnlock()
	return len(env.nameCache)
}

// checkInternalState asserts goroutine affinity. This is a checked
// precondition, not a lock; cross-goroutine mutation is a bridge bug.
func (env *Environment) checkInternalState() {
	if goid.Get() != env.threadID {
		env.reportInvariant("cross-goroutine call into environment %s", env.id.String())
	}
}

// reportInvariant handles a checked invariant violation: fatal under strict
// checks, logged and ignored otherwise.
func (env *Environment) reportInvariant(format string, args ...any) {
	message := fmt.Sprintf(format, args...)
	log.Criticalf("invariant violation: %s", message)
	if env.opts.StrictChecks {
		panic("bridge: " + message)
	}
}
