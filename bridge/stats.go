package bridge

import "runtime"

// Statistics is a point-in-time snapshot of an environment's tables and the
// process heap. Gathering it is cheap enough for periodic logging.
type Statistics struct {
	Objects           int
	PersistentObjects int
	NativeClasses     int
	ScriptClasses     int
	CachedFunctions   int
	CachedNames       int
	Modules           int
	Timers            int
	PendingReleases   int

	HeapAlloc   uint64
	HeapObjects uint64
}

// Stats gathers a statistics snapshot.
func (env *Environment) Stats() Statistics {
	env.objectsMu.RLock()
	objects := len(env.objects)
	persistent := len(env.persistentObjects)
	env.objectsMu.RUnlock()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return Statistics{
		Objects:           objects,
		PersistentObjects: persistent,
		NativeClasses:     env.NativeClassCount(),
		ScriptClasses:     env.ScriptClassCount(),
		CachedFunctions:   env.RetainedFunctionCount(),
		CachedNames:       env.cachedNameCount(),
		Modules:           env.moduleCache.Len(),
		Timers:            env.timers.count(),
		PendingReleases:   env.pending.pending(),
		HeapAlloc:         mem.HeapAlloc,
		HeapObjects:       mem.HeapObjects,
	}
}
