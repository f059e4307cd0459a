package bridge

import "sync"

// ---------------------------------------------------------------------------
// Deferred destruction: bounded handoff from collector goroutines
// ---------------------------------------------------------------------------

// Releasable is a native value whose destructor must run on the environment's
// logical goroutine.
type Releasable interface {
	Release()
}

// releaseRing is a bounded, mutex-protected ring buffer of values queued for
// deferred destruction. Collector goroutines write, the logical goroutine
// drains during Update and at teardown. When the ring is full the value is
// released inline on the queueing goroutine; that is the documented degraded
// fallback, never a silent drop and never an unbounded queue.
type releaseRing struct {
	mu     sync.Mutex
	values []Releasable
	head   int
	size   int
}

func newReleaseRing(capacity int) *releaseRing {
	if capacity <= 0 {
		capacity = defaultDeletionQueueSize
	}
	return &releaseRing{values: make([]Releasable, capacity)}
}

// queue enqueues a value for deferred release. Returns false when the ring
// was full and the value was released inline instead.
func (r *releaseRing) queue(v Releasable) bool {
	r.mu.Lock()
	if r.size == len(r.values) {
		r.mu.Unlock()
		log.Warningf("deferred-release ring full (%d), releasing inline on caller goroutine", len(r.values))
		v.Release()
		return false
	}
	r.values[(r.head+r.size)%len(r.values)] = v
	r.size++
	r.mu.Unlock()
	return true
}

// drain releases every queued value on the calling goroutine and returns
// how many values were released.
func (r *releaseRing) drain() int {
	released := 0
	for {
		r.mu.Lock()
		if r.size == 0 {
			r.mu.Unlock()
			return released
		}
		v := r.values[r.head]
		r.values[r.head] = nil
		r.head = (r.head + 1) % len(r.values)
		r.size--
		r.mu.Unlock()

		v.Release()
		released++
	}
}

// pending returns the number of values waiting to be released.
func (r *releaseRing) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}
