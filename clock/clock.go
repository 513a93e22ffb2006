// Package clock abstracts wall time and timers so that debounce windows,
// TTLs, reconnect backoff and polling intervals can be driven
// deterministically in tests.
package clock

import "time"

// Clock is the time source used by every timer-driven component.
type Clock interface {
	Now() time.Time
	// AfterFunc runs f in its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
	NewTicker(d time.Duration) Ticker
}

// Timer is a cancellable one-shot timer.
type Timer interface {
	// Stop prevents the timer from firing. It returns false if the timer
	// already fired or was stopped.
	Stop() bool
}

// Ticker delivers ticks on C at a fixed interval.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real is the wall-clock implementation.
type Real struct{}

// New returns the wall clock.
func New() Clock {
	return Real{}
}

func (Real) Now() time.Time {
	return time.Now()
}

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (Real) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }
