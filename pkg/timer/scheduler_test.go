package timer

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	logx "pulsetimer/pkg/logx"
	"pulsetimer/pkg/pulse"
)

// tolerance bounds lateness on the real clock: the worker polls every 25ms in
// the final stretch, plus goroutine scheduling jitter.
const tolerance = 100 * time.Millisecond

type elapsedChecker struct{ start time.Time }

func newElapsedChecker() elapsedChecker { return elapsedChecker{start: time.Now()} }

func (c elapsedChecker) check(t *testing.T, expected time.Duration) {
	t.Helper()
	elapsed := time.Since(c.start)
	if elapsed < expected {
		t.Fatalf("elapsed too soon: %v instead of %v", elapsed, expected)
	}
	if elapsed > expected+tolerance {
		t.Fatalf("elapsed too late: %v instead of %v", elapsed, expected)
	}
}

func startReal(t *testing.T) *Scheduler {
	t.Helper()
	s := New(DefaultConfig(), logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func waitOK(t *testing.T, rx *pulse.Receiver) {
	t.Helper()
	if err := rx.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestScheduler_SimpleWait(t *testing.T) {
	t.Parallel()
	s := startReal(t)
	checker := newElapsedChecker()
	rx := mustOneshot(t, s, 1500)
	waitOK(t, rx)
	checker.check(t, 1500*time.Millisecond)

	// A second Wait reports the same result without blocking.
	waitOK(t, rx)
}

func TestScheduler_SeveralConcurrentWaits(t *testing.T) {
	t.Parallel()
	s := startReal(t)
	checker := newElapsedChecker()
	medium := mustOneshot(t, s, 1400)
	short := mustOneshot(t, s, 300)
	long := mustOneshot(t, s, 2000)

	waitOK(t, short)
	checker.check(t, 300*time.Millisecond)

	waitOK(t, medium)
	checker.check(t, 1400*time.Millisecond)

	waitOK(t, long)
	checker.check(t, 2000*time.Millisecond)
}

func TestScheduler_SeveralConcurrentWaitsMisordered(t *testing.T) {
	t.Parallel()
	s := startReal(t)
	checker := newElapsedChecker()
	medium := mustOneshot(t, s, 1400)
	short := mustOneshot(t, s, 300)
	long := mustOneshot(t, s, 2000)

	// Wait for the last timer first; the others have already fired by then.
	waitOK(t, long)
	checker.check(t, 2000*time.Millisecond)

	if !short.Fired() || !medium.Fired() {
		t.Fatal("earlier timers should already have fired")
	}
	waitOK(t, short)
	checker.check(t, 2000*time.Millisecond)

	waitOK(t, medium)
	checker.check(t, 2000*time.Millisecond)
}

func TestScheduler_ShorterNeverCompletesLater(t *testing.T) {
	t.Parallel()
	s := startReal(t)
	for i := 0; i < 5; i++ {
		d1 := uint32(100 + 10*i)
		d2 := d1 + uint32(i) + 1
		first := mustOneshot(t, s, d1)
		second := mustOneshot(t, s, d2)
		waitOK(t, second)
		if !first.Fired() {
			t.Fatalf("%dms timer completed before %dms timer", d2, d1)
		}
	}
}

func TestScheduler_ConcurrentSubmitters(t *testing.T) {
	t.Parallel()
	s := startReal(t)
	var wg sync.WaitGroup
	errs := make(chan string, 64)
	for g := 0; g < 32; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 4; i++ {
				d := time.Duration(10+rng.Intn(90)) * time.Millisecond
				began := time.Now()
				rx, err := s.After(d)
				if err != nil {
					errs <- err.Error()
					return
				}
				if err := rx.Wait(); err != nil {
					errs <- err.Error()
					return
				}
				if el := time.Since(began); el < d {
					errs <- "fired early: " + el.String() + " < " + d.String()
					return
				}
			}
		}(int64(g))
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
	if got := s.Snapshot().Fired; got != 32*4 {
		t.Fatalf("Fired = %d, want %d", got, 32*4)
	}
}

func TestScheduler_ZeroDelayFiresPromptly(t *testing.T) {
	t.Parallel()
	s := startReal(t)
	checker := newElapsedChecker()
	waitOK(t, mustOneshot(t, s, 0))
	checker.check(t, 0)
}

func TestScheduler_ExactPolicy(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Wake.Exact = true
	s := New(cfg, logx.Nop(), nil)
	s.Start(context.Background())
	defer func() { _ = s.Stop(context.Background()) }()

	checker := newElapsedChecker()
	waitOK(t, mustOneshot(t, s, 400))
	checker.check(t, 400*time.Millisecond)
}
