// Package clock is the time source used by the timer worker.
//
// Deadlines are computed from time.Time values that carry Go's monotonic clock
// reading, so wall-clock steps (NTP, DST, manual changes) never move a pending
// deadline. Fake exists so scheduling logic can be tested without sleeping.
package clock

import "time"

// Clock yields monotonic instants and one-shot timers.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Timer is the subset of *time.Timer the worker needs.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// System returns the real clock.
func System() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NewTimer(d time.Duration) Timer {
	return systemTimer{t: time.NewTimer(d)}
}

type systemTimer struct{ t *time.Timer }

func (t systemTimer) C() <-chan time.Time { return t.t.C }
func (t systemTimer) Stop() bool          { return t.t.Stop() }
