package bridge

import (
	"sync"

	"github.com/dop251/goja"
)

// ---------------------------------------------------------------------------
// TimerManager: setTimeout/setInterval driver for the periodic update pass
// ---------------------------------------------------------------------------

type timerRecord struct {
	id        uint64
	callback  goja.Callable
	args      []goja.Value
	deadline  uint64 // absolute, in manager-clock milliseconds
	interval  uint64 // 0 for one-shot
	cancelled bool
}

// TimerManager tracks script timers against a millisecond clock advanced by
// the environment's update pass. It never spawns goroutines; callbacks run
// on the logical goroutine inside invokeTimers.
type TimerManager struct {
	mu       sync.Mutex
	timers   map[uint64]*timerRecord
	inFlight []*timerRecord
	nextID   uint64
	now      uint64
}

func newTimerManager() *TimerManager {
	return &TimerManager{timers: make(map[uint64]*timerRecord)}
}

// add schedules a callback after delay milliseconds. interval timers
// reschedule themselves until cleared.
func (tm *TimerManager) add(callback goja.Callable, delay int64, repeating bool, args []goja.Value) uint64 {
	if delay < 0 {
		delay = 0
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.nextID++
	record := &timerRecord{
		id:       tm.nextID,
		callback: callback,
		args:     args,
		deadline: tm.now + uint64(delay),
	}
	if repeating {
		interval := uint64(delay)
		if interval == 0 {
			interval = 1
		}
		record.interval = interval
	}
	tm.timers[record.id] = record
	return record.id
}

func (tm *TimerManager) clear(id uint64) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if record, ok := tm.timers[id]; ok {
		record.cancelled = true
		delete(tm.timers, id)
		return
	}
	// a due one-shot already pulled from the map can still be cleared by an
	// earlier callback in the same batch
	for _, record := range tm.inFlight {
		if record.id == id {
			record.cancelled = true
			return
		}
	}
}

// advance moves the manager clock forward and reports whether any timer is
// due. The update pass skips engine re-entry entirely when nothing fired.
func (tm *TimerManager) advance(elapsedMS uint64) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.now += elapsedMS
	for _, record := range tm.timers {
		if record.deadline <= tm.now {
			return true
		}
	}
	return false
}

// takeDue removes and returns all due timers, rescheduling interval timers.
func (tm *TimerManager) takeDue() []*timerRecord {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	var due []*timerRecord
	for id, record := range tm.timers {
		if record.deadline > tm.now {
			continue
		}
		due = append(due, record)
		if record.interval > 0 {
			record.deadline = tm.now + record.interval
		} else {
			delete(tm.timers, id)
		}
	}
	tm.inFlight = due
	return due
}

// finishBatch marks the current due batch as fully dispatched.
func (tm *TimerManager) finishBatch() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.inFlight = nil
}

func (tm *TimerManager) stillLive(record *timerRecord) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return !record.cancelled
}

// clearAll drops every pending timer. Used during teardown.
func (tm *TimerManager) clearAll() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.timers = make(map[uint64]*timerRecord)
}

func (tm *TimerManager) count() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.timers)
}

// invokeTimers runs the callbacks of all due timers. Returns true when at
// least one callback ran, which forces a microtask checkpoint afterwards.
func (env *Environment) invokeTimers() bool {
	due := env.timers.takeDue()
	for _, record := range due {
		if !env.timers.stillLive(record) {
			continue
		}
		if _, err := record.callback(goja.Undefined(), record.args...); err != nil {
			log.Errorf("timer callback failed: %s", err.Error())
		}
	}
	env.timers.finishBatch()
	return len(due) > 0
}

// registerTimerBuiltins installs setTimeout/setInterval/clearTimeout/
// clearInterval on the global object.
func (env *Environment) registerTimerBuiltins() {
	global := env.vm.GlobalObject()

	schedule := func(repeating bool) func(call goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			callback, ok := goja.AssertFunction(call.Argument(0))
			if !ok {
				panic(env.vm.NewTypeError("timer callback must be a function"))
			}
			delay := call.Argument(1).ToInteger()
			var args []goja.Value
			if len(call.Arguments) > 2 {
				args = append(args, call.Arguments[2:]...)
			}
			id := env.timers.add(callback, delay, repeating, args)
			return env.vm.ToValue(id)
		}
	}
	clear := func(call goja.FunctionCall) goja.Value {
		env.timers.clear(uint64(call.Argument(0).ToInteger()))
		return goja.Undefined()
	}

	_ = global.Set("setTimeout", schedule(false))
	_ = global.Set("setInterval", schedule(true))
	_ = global.Set("clearTimeout", clear)
	_ = global.Set("clearInterval", clear)
}
