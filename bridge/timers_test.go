package bridge

import "testing"

// ---------------------------------------------------------------------------
// Timer driver tests
// ---------------------------------------------------------------------------

func TestSetTimeoutFiresOnce(t *testing.T) {
	env := newTestEnvironment(t)
	if _, err := env.Eval(`globalThis.fired = 0; setTimeout(function() { fired++; }, 10);`, "t.js"); err != nil {
		t.Fatalf("eval: %v", err)
	}

	env.updateWithElapsed(5)
	if got := evalInt(t, env, "fired"); got != 0 {
		t.Errorf("fired = %d before the deadline, want 0", got)
	}
	env.updateWithElapsed(10)
	if got := evalInt(t, env, "fired"); got != 1 {
		t.Errorf("fired = %d after the deadline, want 1", got)
	}
	env.updateWithElapsed(100)
	if got := evalInt(t, env, "fired"); got != 1 {
		t.Errorf("fired = %d, one-shot timer ran again", got)
	}
}

func TestSetIntervalRepeatsUntilCleared(t *testing.T) {
	env := newTestEnvironment(t)
	if _, err := env.Eval(`globalThis.ticks = 0;
globalThis.handle = setInterval(function() { ticks++; }, 10);`, "t.js"); err != nil {
		t.Fatalf("eval: %v", err)
	}

	env.updateWithElapsed(10)
	env.updateWithElapsed(10)
	if got := evalInt(t, env, "ticks"); got != 2 {
		t.Errorf("ticks = %d, want 2", got)
	}

	if _, err := env.Eval("clearInterval(handle)", "t.js"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	env.updateWithElapsed(50)
	if got := evalInt(t, env, "ticks"); got != 2 {
		t.Errorf("ticks = %d after clear, want 2", got)
	}
}

func TestClearTimeoutCancels(t *testing.T) {
	env := newTestEnvironment(t)
	if _, err := env.Eval(`globalThis.fired = 0;
var h = setTimeout(function() { fired++; }, 10);
clearTimeout(h);`, "t.js"); err != nil {
		t.Fatalf("eval: %v", err)
	}

	env.updateWithElapsed(20)
	if got := evalInt(t, env, "fired"); got != 0 {
		t.Errorf("fired = %d, cancelled timer ran", got)
	}
}

func TestClearTimeoutWithinSameBatch(t *testing.T) {
	env := newTestEnvironment(t)
	if _, err := env.Eval(`globalThis.fired = 0;
globalThis.a = setTimeout(function() { fired++; clearTimeout(b); }, 5);
globalThis.b = setTimeout(function() { fired++; clearTimeout(a); }, 5);`, "t.js"); err != nil {
		t.Fatalf("eval: %v", err)
	}

	env.updateWithElapsed(5)
	if got := evalInt(t, env, "fired"); got != 1 {
		t.Errorf("fired = %d, want exactly one of two mutually-clearing timers", got)
	}
}

func TestTimerArgumentsForwarded(t *testing.T) {
	env := newTestEnvironment(t)
	if _, err := env.Eval(`globalThis.got = 0;
setTimeout(function(a, b) { got = a + b; }, 5, 20, 22);`, "t.js"); err != nil {
		t.Fatalf("eval: %v", err)
	}

	env.updateWithElapsed(5)
	if got := evalInt(t, env, "got"); got != 42 {
		t.Errorf("got = %d, want 42", got)
	}
}

func TestTimerCountTracksPending(t *testing.T) {
	env := newTestEnvironment(t)
	if _, err := env.Eval(`setTimeout(function() {}, 5); setTimeout(function() {}, 50);`, "t.js"); err != nil {
		t.Fatalf("eval: %v", err)
	}
	if got := env.timers.count(); got != 2 {
		t.Fatalf("pending timers = %d, want 2", got)
	}
	env.updateWithElapsed(10)
	if got := env.timers.count(); got != 1 {
		t.Errorf("pending timers = %d after first fire, want 1", got)
	}
}
