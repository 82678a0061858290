// Package clock provides the monotonic time and cancellable timer
// abstraction that the rest of Helios schedules against. Production code
// uses Real; tests use a Fake so timer firing is deterministic.
package clock

import (
	"sync"
	"time"
)

// Timer is a cancellable one-shot or periodic timer handle. Stop is
// idempotent: calling it more than once, or after the timer has already
// fired, is a no-op.
type Timer interface {
	Stop() bool
}

// Clock abstracts wall-clock time and timer scheduling so the health-check
// loop, the registry sweep, and request timeouts can be driven by a fake
// clock in tests without real sleeps.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc schedules fn to run once after d elapses. Stopping the
	// returned Timer before it fires prevents fn from running.
	AfterFunc(d time.Duration, fn func()) Timer

	// NewTicker returns a Ticker that runs fn every d until stopped.
	NewTicker(d time.Duration, fn func()) Timer
}

// Real is the production Clock backed by the time package.
type Real struct{}

// New returns the production Clock.
func New() Clock { return Real{} }

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, fn func()) Timer {
	return &realTimer{t: time.AfterFunc(d, fn)}
}

func (Real) NewTicker(d time.Duration, fn func()) Timer {
	ticker := time.NewTicker(d)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				fn()
			case <-done:
				return
			}
		}
	}()
	return &realTicker{ticker: ticker, done: done}
}

type realTimer struct {
	t *time.Timer
}

func (r *realTimer) Stop() bool { return r.t.Stop() }

type realTicker struct {
	ticker  *time.Ticker
	done    chan struct{}
	stopped sync.Once
}

func (r *realTicker) Stop() bool {
	r.stopped.Do(func() {
		r.ticker.Stop()
		close(r.done)
	})
	return true
}
