package timer

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"pulsetimer/pkg/clock"
	"pulsetimer/pkg/eventbus"
	logx "pulsetimer/pkg/logx"
	"pulsetimer/pkg/pulse"
)

var fakeEpoch = time.Unix(1_700_000_000, 0)

func newFake(t *testing.T, cfg Config, log logx.Logger, bus eventbus.Bus) (*Scheduler, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(fakeEpoch)
	s := New(cfg, log, bus, WithClock(fc))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s, fc
}

// start launches the worker and waits for its first sleep. Requests submitted
// before start are drained in that first iteration, so their wake token is
// consumed here to keep the first park stable.
func start(t *testing.T, s *Scheduler, fc *clock.Fake) {
	t.Helper()
	select {
	case <-s.queue.wake:
	default:
	}
	step(t, fc, func() { s.Start(context.Background()) })
}

// step runs action and waits until the worker parks on a fresh timer.
func step(t *testing.T, fc *clock.Fake, action func()) {
	t.Helper()
	parked := fc.Changed()
	action()
	select {
	case <-parked:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not park")
	}
}

func mustOneshot(t *testing.T, s *Scheduler, ms uint32) *pulse.Receiver {
	t.Helper()
	rx, err := s.Oneshot(ms)
	if err != nil {
		t.Fatalf("Oneshot(%d): %v", ms, err)
	}
	return rx
}

// buffered returns the events already delivered to ch without blocking.
func buffered(ch <-chan eventbus.Event) []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func collectFired(ch <-chan eventbus.Event) []Fired {
	var out []Fired
	for _, e := range buffered(ch) {
		if f, ok := e.Data.(Fired); ok && e.Type == EventFired {
			out = append(out, f)
		}
	}
	return out
}

func TestWorkerNeverFiresEarly(t *testing.T) {
	s, fc := newFake(t, DefaultConfig(), logx.Nop(), nil)
	rx := mustOneshot(t, s, 300)
	start(t, s, fc)

	if rx.Fired() {
		t.Fatal("fired before any time passed")
	}
	step(t, fc, func() { fc.Advance(299 * time.Millisecond) })
	if rx.Fired() {
		t.Fatal("fired 1ms before deadline")
	}
	step(t, fc, func() { fc.Advance(DefaultMinWait) })
	if !rx.Fired() {
		t.Fatal("expected timer to fire once deadline passed")
	}

	snap := s.Snapshot()
	if snap.Accepted != 1 || snap.Fired != 1 || snap.Pending != 0 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestWorkerFiresInDeadlineOrder(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	s, fc := newFake(t, DefaultConfig(), logx.Nop(), bus)
	medium := mustOneshot(t, s, 1400)
	short := mustOneshot(t, s, 300)
	long := mustOneshot(t, s, 2000)
	start(t, s, fc)

	for i := 0; i < 200 && !long.Fired(); i++ {
		step(t, fc, func() { fc.Advance(DefaultMinWait) })
	}
	if !short.Fired() || !medium.Fired() || !long.Fired() {
		t.Fatal("expected all timers to fire")
	}

	fired := collectFired(events)
	if len(fired) != 3 {
		t.Fatalf("fired events = %d, want 3", len(fired))
	}
	want := []time.Duration{300 * time.Millisecond, 1400 * time.Millisecond, 2000 * time.Millisecond}
	for i, f := range fired {
		if f.Requested != want[i] {
			t.Fatalf("fire %d requested %v, want %v", i, f.Requested, want[i])
		}
		if f.FiredAt.Before(f.Deadline) || f.Lateness < 0 {
			t.Fatalf("fire %d early: %+v", i, f)
		}
		if f.Lateness > DefaultMinWait {
			t.Fatalf("fire %d lateness %v exceeds poll interval", i, f.Lateness)
		}
	}
}

func TestWorkerFiresAllDueInOnePass(t *testing.T) {
	s, fc := newFake(t, DefaultConfig(), logx.Nop(), nil)
	var rxs []*pulse.Receiver
	for _, ms := range []uint32{50, 10, 40, 20, 30} {
		rxs = append(rxs, mustOneshot(t, s, ms))
	}
	start(t, s, fc)

	step(t, fc, func() { fc.Advance(time.Second) })
	for i, rx := range rxs {
		if !rx.Fired() {
			t.Fatalf("timer %d not fired after single wake", i)
		}
	}
	snap := s.Snapshot()
	if snap.Wakeups != 1 {
		t.Fatalf("Wakeups = %d, want 1", snap.Wakeups)
	}
	if snap.Fired != 5 {
		t.Fatalf("Fired = %d, want 5", snap.Fired)
	}
}

func TestWorkerEqualDeadlinesKeepSubmissionOrder(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	s, fc := newFake(t, DefaultConfig(), logx.Nop(), bus)
	for i := 0; i < 4; i++ {
		mustOneshot(t, s, 100)
	}
	start(t, s, fc)
	step(t, fc, func() { fc.Advance(time.Second) })

	fired := collectFired(events)
	if len(fired) != 4 {
		t.Fatalf("fired events = %d, want 4", len(fired))
	}
	for i, f := range fired {
		if f.Seq != uint64(i+1) {
			t.Fatalf("fire %d has seq %d", i, f.Seq)
		}
	}
}

func TestWorkerLongTimerWakesEarly(t *testing.T) {
	s, fc := newFake(t, DefaultConfig(), logx.Nop(), nil)
	rx := mustOneshot(t, s, 20000)
	start(t, s, fc)

	// 20s remaining: sleep is capped at MaxWait.
	step(t, fc, func() { fc.Advance(DefaultMaxWait) })
	if rx.Fired() {
		t.Fatal("fired after 10s of 20s")
	}
	// 10s remaining: wake EarlyWake before the deadline.
	step(t, fc, func() { fc.Advance(6 * time.Second) })
	if rx.Fired() {
		t.Fatal("fired after 16s of 20s")
	}
	// 4s remaining: poll at MinWait; a 4s jump covers the rest.
	step(t, fc, func() { fc.Advance(4 * time.Second) })
	if !rx.Fired() {
		t.Fatal("expected fire at 20s")
	}
	if got := s.Snapshot().Wakeups; got != 3 {
		t.Fatalf("Wakeups = %d, want 3", got)
	}
}

func TestWorkerIdlePoll(t *testing.T) {
	s, fc := newFake(t, DefaultConfig(), logx.Nop(), nil)
	start(t, s, fc)
	step(t, fc, func() { fc.Advance(DefaultIdleWait) })
	if got := s.Snapshot().Wakeups; got != 1 {
		t.Fatalf("Wakeups = %d, want 1", got)
	}
}

func TestWorkerDroppedReceiverDoesNotStall(t *testing.T) {
	s, fc := newFake(t, DefaultConfig(), logx.Nop(), nil)
	_, _ = s.Oneshot(10)
	start(t, s, fc)
	step(t, fc, func() { fc.Advance(time.Second) })

	var later *pulse.Receiver
	step(t, fc, func() { later = mustOneshot(t, s, 10) })
	step(t, fc, func() { fc.Advance(DefaultMinWait) })
	if !later.Fired() {
		t.Fatal("timer submitted after a dropped one did not fire")
	}
	if got := s.Snapshot().Fired; got != 2 {
		t.Fatalf("Fired = %d, want 2", got)
	}
}

func TestWorkerLateWarningThrottled(t *testing.T) {
	var buf bytes.Buffer
	s, fc := newFake(t, DefaultConfig(), logx.NewJSON(&buf, "warn"), nil)
	mustOneshot(t, s, 100)
	mustOneshot(t, s, 100)
	start(t, s, fc)

	// The worker sleeps 25ms; jumping 2s makes both timers ~1.9s late.
	step(t, fc, func() { fc.Advance(2 * time.Second) })

	if got := strings.Count(buf.String(), "timer fired late"); got != 1 {
		t.Fatalf("late warnings = %d, want 1 (log: %q)", got, buf.String())
	}
}

func TestApplyWakesWorker(t *testing.T) {
	s, fc := newFake(t, DefaultConfig(), logx.Nop(), nil)
	start(t, s, fc)

	cfg := DefaultConfig()
	cfg.Wake.Exact = true
	step(t, fc, func() { s.Apply(cfg) })

	if !s.Config().Wake.Exact {
		t.Fatal("Apply did not store config")
	}
	if got := s.Snapshot().Wakeups; got != 1 {
		t.Fatalf("Wakeups = %d, want 1", got)
	}
}

func TestStopDisconnectsPending(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s, fc := newFake(t, DefaultConfig(), logx.Nop(), bus)
	rx := mustOneshot(t, s, 1000)
	start(t, s, fc)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := rx.Wait(); !errors.Is(err, pulse.ErrDisconnected) {
		t.Fatalf("Wait = %v, want ErrDisconnected", err)
	}
	if _, err := s.Oneshot(1); !errors.Is(err, ErrStopped) {
		t.Fatalf("Oneshot after Stop = %v, want ErrStopped", err)
	}

	snap := s.Snapshot()
	if snap.Running || snap.Pending != 0 || snap.Err == "" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Worker.Started != 1 || snap.Worker.Panics != 0 || snap.Worker.LastStopAt.IsZero() {
		t.Fatalf("unexpected worker stats: %+v", snap.Worker)
	}

	var stopped *Stopped
	for _, e := range buffered(events) {
		if st, ok := e.Data.(Stopped); ok {
			stopped = &st
		}
	}
	if stopped == nil || stopped.Abandoned != 1 {
		t.Fatalf("stopped event = %+v", stopped)
	}
}

func TestStopBeforeStart(t *testing.T) {
	s := New(DefaultConfig(), logx.Nop(), nil)
	rx, err := s.Oneshot(10)
	if err != nil {
		t.Fatalf("Oneshot: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := rx.Wait(); !errors.Is(err, pulse.ErrDisconnected) {
		t.Fatalf("Wait = %v, want ErrDisconnected", err)
	}
}

type explodingClock struct {
	*clock.Fake
	armed atomic.Bool
}

func (c *explodingClock) Now() time.Time {
	if c.armed.Load() {
		panic("clock exploded")
	}
	return c.Fake.Now()
}

func TestWorkerPanicDisconnectsWaiters(t *testing.T) {
	ec := &explodingClock{Fake: clock.NewFake(fakeEpoch)}
	s := New(DefaultConfig(), logx.Nop(), nil, WithClock(ec))
	pending := mustOneshot(t, s, 1000)
	start(t, s, ec.Fake)

	ec.armed.Store(true)
	trigger := mustOneshot(t, s, 5)

	for _, rx := range []*pulse.Receiver{pending, trigger} {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := rx.WaitContext(ctx)
		cancel()
		if !errors.Is(err, pulse.ErrDisconnected) {
			t.Fatalf("Wait = %v, want ErrDisconnected", err)
		}
	}
	if _, err := s.Oneshot(1); !errors.Is(err, ErrWorkerGone) {
		t.Fatalf("Oneshot after panic = %v, want ErrWorkerGone", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("Stop = %v, want recorded panic", err)
	}
	if w := s.Snapshot().Worker; w.Panics != 1 || w.LastPanic != "clock exploded" {
		t.Fatalf("worker stats = %+v, want one recorded panic", w)
	}
}

func TestStartAfterStopIsNoop(t *testing.T) {
	s, fc := newFake(t, DefaultConfig(), logx.Nop(), nil)
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	s.Start(context.Background())

	snap := s.Snapshot()
	if snap.Running || snap.Worker.Started != 0 {
		t.Fatalf("worker started after Stop: %+v", snap)
	}
	if n := fc.Waiters(); n != 0 {
		t.Fatalf("clock waiters = %d, want 0", n)
	}
	if _, err := s.Oneshot(1); !errors.Is(err, ErrStopped) {
		t.Fatalf("Oneshot = %v, want ErrStopped", err)
	}
}

// stallingClock blocks one Now call, after reading the time, until released.
type stallingClock struct {
	*clock.Fake
	armed   atomic.Bool
	stalled chan struct{}
	release chan struct{}
}

func (c *stallingClock) Now() time.Time {
	now := c.Fake.Now()
	if c.armed.CompareAndSwap(true, false) {
		c.stalled <- struct{}{}
		<-c.release
	}
	return now
}

func TestWorkerDeadlineNotBeforeSubmission(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	sc := &stallingClock{
		Fake:    clock.NewFake(fakeEpoch),
		stalled: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	s := New(DefaultConfig(), logx.Nop(), bus, WithClock(sc))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	start(t, s, sc.Fake)

	sc.armed.Store(true)
	long := mustOneshot(t, s, 5000)
	select {
	case <-sc.stalled:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not read the clock")
	}

	// Time moves on while the worker sits between reading the clock and using it.
	sc.Advance(50 * time.Millisecond)
	submittedAt := sc.Fake.Now()
	short := mustOneshot(t, s, 100)
	close(sc.release)

	waitUntil := time.Now().Add(2 * time.Second)
	for s.Snapshot().Accepted < 2 {
		if time.Now().After(waitUntil) {
			t.Fatal("second request never drained")
		}
		time.Sleep(time.Millisecond)
	}
	for i := 0; i < 20 && !short.Fired(); i++ {
		step(t, sc.Fake, func() { sc.Advance(DefaultMinWait) })
	}
	if !short.Fired() {
		t.Fatal("100ms timer never fired")
	}
	if long.Fired() {
		t.Fatal("5000ms timer fired early")
	}

	found := false
	for _, f := range collectFired(events) {
		if f.Requested != 100*time.Millisecond {
			continue
		}
		found = true
		if got := f.FiredAt.Sub(submittedAt); got < f.Requested {
			t.Fatalf("fired %v after submission, want >= %v", got, f.Requested)
		}
		if f.Deadline.Before(submittedAt.Add(f.Requested)) {
			t.Fatalf("deadline %v anchored before submission at %v", f.Deadline, submittedAt)
		}
	}
	if !found {
		t.Fatal("no fired event for the 100ms timer")
	}
}
