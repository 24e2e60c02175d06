package timer

import (
	"context"
	"fmt"
	"sync"
	"time"

	logx "pulsetimer/pkg/logx"
	"pulsetimer/pkg/pulse"
)

var (
	defaultMu        sync.Mutex
	defaultScheduler *Scheduler
)

// Default returns the process-wide Scheduler, starting it on first use.
func Default() *Scheduler {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultScheduler == nil {
		s := New(DefaultConfig(), logx.Logger{}, nil)
		s.Start(context.Background())
		defaultScheduler = s
	}
	return defaultScheduler
}

// Oneshot schedules a single pulse on the process-wide Scheduler no earlier
// than ms milliseconds from now.
//
// An unreachable worker means the process invariant of one live worker is
// broken; Oneshot panics rather than return an error nobody can act on.
func Oneshot(ms uint32) *pulse.Receiver {
	return must(Default().Oneshot(ms))
}

// After is Oneshot for a time.Duration, rounded up to whole milliseconds.
func After(d time.Duration) *pulse.Receiver {
	return must(Default().After(d))
}

// ShutdownDefault stops the process-wide Scheduler, if one was started. The
// next call to Default builds a new one. Meant for tests.
func ShutdownDefault(ctx context.Context) error {
	defaultMu.Lock()
	s := defaultScheduler
	defaultScheduler = nil
	defaultMu.Unlock()
	if s == nil {
		return nil
	}
	return s.Stop(ctx)
}

func must(rx *pulse.Receiver, err error) *pulse.Receiver {
	if err != nil {
		panic(fmt.Errorf("timer: global scheduling worker unreachable: %w", err))
	}
	return rx
}
