// Package sched provides cancellable one-shot timers driven by the runtime's
// monotonic clock. Retry and iteration timers must be explicitly cancelled on
// pause or task cancellation so they never fire against a task that is no
// longer runnable.
package sched

import (
	"sync"
	"time"
)

// Timer is a single-shot timer. Cancel is idempotent: once Cancel returns
// true, the callback will never run.
type Timer struct {
	mu        sync.Mutex
	t         *time.Timer
	cancelled bool
	fired     bool
}

// After schedules fn to run once after d. fn runs on its own goroutine.
func After(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(d, func() {
		tm.mu.Lock()
		if tm.cancelled {
			tm.mu.Unlock()
			return
		}
		tm.fired = true
		tm.mu.Unlock()
		fn()
	})
	return tm
}

// Cancel stops the timer. Returns true if the callback was prevented from
// running, false if it already fired.
func (tm *Timer) Cancel() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.fired {
		return false
	}
	tm.cancelled = true
	tm.t.Stop()
	return true
}

// Fired reports whether the callback has started running.
func (tm *Timer) Fired() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.fired
}
