package timer

import "errors"

var (
	// ErrStopped is returned for submissions after Stop.
	ErrStopped = errors.New("timer: scheduler stopped")
	// ErrWorkerGone is returned when the worker goroutine exited unexpectedly.
	ErrWorkerGone = errors.New("timer: scheduling worker is gone")
)
