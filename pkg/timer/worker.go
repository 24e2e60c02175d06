package timer

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"pulsetimer/pkg/clock"
	"pulsetimer/pkg/eventbus"
	logx "pulsetimer/pkg/logx"
)

const lateWarnEvery = 5 * time.Second

// worker owns the heap. Only the goroutine running run touches schedule, seq
// and inflight.
type worker struct {
	queue *requestQueue
	clock clock.Clock
	cfg   func() Config
	log   logx.Logger
	bus   eventbus.Bus
	late  *rate.Limiter

	schedule eventHeap
	seq      uint64
	inflight []request

	// Mirrors for Snapshot; written by the worker only.
	pending  atomic.Int64
	accepted atomic.Uint64
	fired    atomic.Uint64
	wakeups  atomic.Uint64
}

func newWorker(q *requestQueue, clk clock.Clock, cfg func() Config, log logx.Logger, bus eventbus.Bus) *worker {
	return &worker{
		queue: q,
		clock: clk,
		cfg:   cfg,
		log:   log,
		bus:   bus,
		late:  rate.NewLimiter(rate.Every(lateWarnEvery), 1),
	}
}

// run loops drain -> fire -> sleep until ctx is canceled. Whatever is still
// pending when it returns (or panics) is disconnected.
func (w *worker) run(ctx context.Context) error {
	defer func() {
		reason := ErrStopped
		if ctx.Err() == nil {
			reason = ErrWorkerGone
		}
		w.abandon(reason)
	}()

	for {
		w.drain()
		now := w.clock.Now()
		w.fireDue(now)
		if err := w.sleep(ctx, w.nextWait(now)); err != nil {
			return err
		}
	}
}

// drain folds every queued request into the heap with deadline now+delay.
// now is read after the batch has left the queue, so it is never earlier
// than any drained submission. The batch stays in inflight until it is in
// the heap so abandon can still reach it.
func (w *worker) drain() int {
	w.inflight = w.queue.drain()
	n := len(w.inflight)
	if n == 0 {
		return 0
	}
	now := w.clock.Now()
	for _, r := range w.inflight {
		w.seq++
		heapPush(&w.schedule, scheduledEvent{
			when:      now.Add(r.delay),
			seq:       w.seq,
			requested: r.delay,
			sink:      r.sink,
		})
	}
	w.inflight = nil
	w.accepted.Add(uint64(n))
	w.pending.Store(int64(w.schedule.Len()))
	w.log.Trace("requests drained", logx.Int("count", n), logx.Int("pending", w.schedule.Len()))
	return n
}

// fireDue pulses every event whose deadline is not after now, earliest first.
func (w *worker) fireDue(now time.Time) int {
	n := 0
	for {
		next, ok := heapPeek(&w.schedule)
		if !ok || next.when.After(now) {
			break
		}
		ev := heapPop(&w.schedule)
		ev.sink.Pulse()
		n++
		w.observe(ev, now)
	}
	if n > 0 {
		w.fired.Add(uint64(n))
		w.pending.Store(int64(w.schedule.Len()))
	}
	return n
}

func (w *worker) observe(ev scheduledEvent, now time.Time) {
	lateness := now.Sub(ev.when)
	if limit := w.cfg().LateWarn; limit >= 0 && lateness > limit && w.late.Allow() {
		w.log.Warn("timer fired late",
			logx.Uint64("seq", ev.seq),
			logx.Duration("requested", ev.requested),
			logx.Duration("lateness", lateness),
		)
	}
	if w.bus != nil {
		w.bus.Publish(eventbus.Event{Type: EventFired, Time: now, Data: Fired{
			Seq:       ev.seq,
			Requested: ev.requested,
			Deadline:  ev.when,
			FiredAt:   now,
			Lateness:  lateness,
		}})
	}
}

func (w *worker) nextWait(now time.Time) time.Duration {
	policy := w.cfg().Wake
	next, ok := heapPeek(&w.schedule)
	if !ok {
		return policy.Interval(0, false)
	}
	return policy.Interval(next.when.Sub(now), true)
}

// sleep blocks for d, until a submission wakes the worker, or until ctx ends.
func (w *worker) sleep(ctx context.Context, d time.Duration) error {
	t := w.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.queue.wake:
	case <-t.C():
	}
	w.wakeups.Add(1)
	return nil
}

func (w *worker) abandon(reason error) {
	left := append(w.inflight, w.queue.close(reason)...)
	w.inflight = nil
	for _, r := range left {
		r.sink.Disconnect()
	}
	abandoned := len(left) + w.schedule.Len()
	for _, ev := range w.schedule {
		ev.sink.Disconnect()
	}
	w.schedule = nil
	w.pending.Store(0)

	if abandoned > 0 {
		w.log.Warn("worker exited with pending timers", logx.Int("abandoned", abandoned), logx.Err(reason))
	}
	if w.bus != nil {
		w.bus.Publish(eventbus.Event{Type: EventStopped, Data: Stopped{Reason: reason.Error(), Abandoned: abandoned}})
	}
}
