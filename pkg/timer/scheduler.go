package timer

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"pulsetimer/internal/runtime/supervisor"
	"pulsetimer/pkg/clock"
	"pulsetimer/pkg/eventbus"
	logx "pulsetimer/pkg/logx"
	"pulsetimer/pkg/pulse"
)

// Scheduler is the front door to one scheduling worker.
//
// Oneshot may be called from any goroutine, before or after Start; requests
// submitted before Start are picked up when the worker starts.
type Scheduler struct {
	mu sync.Mutex

	cfg   atomic.Pointer[Config]
	log   logx.Logger
	bus   eventbus.Bus
	clock clock.Clock

	queue *requestQueue
	w     *worker
	sup   *supervisor.Supervisor
}

type Option func(*Scheduler)

// WithClock replaces the system clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// New builds a Scheduler. bus may be nil.
func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Scheduler {
	s := &Scheduler{
		log:   log,
		bus:   bus,
		clock: clock.System(),
		queue: newRequestQueue(),
	}
	for _, o := range opts {
		o(s)
	}
	cfg = cfg.withDefaults()
	s.cfg.Store(&cfg)
	s.log = s.log.With(logx.String("component", cfg.Name))
	s.w = newWorker(s.queue, s.clock, s.config, s.log, bus)
	return s
}

func (s *Scheduler) config() Config { return *s.cfg.Load() }

// Start spawns the worker goroutine. The worker runs until Stop or until ctx
// is canceled. Calling Start more than once, or after Stop, is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	if err := s.queue.closedErr(); err != nil {
		s.log.Debug("start ignored", logx.Err(err))
		return
	}
	cfg := s.config()
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.sup.Go(cfg.Name, s.w.run)
	s.log.Debug("service started",
		logx.Duration("idle_wait", cfg.Wake.IdleWait),
		logx.Duration("early_wake", cfg.Wake.EarlyWake),
		logx.Duration("min_wait", cfg.Wake.MinWait),
		logx.Duration("max_wait", cfg.Wake.MaxWait),
		logx.Bool("exact", cfg.Wake.Exact),
	)
}

// Stop stops the worker and waits for it to exit (bounded by ctx). Timers that
// have not fired are disconnected; their Wait returns pulse.ErrDisconnected.
// Later submissions fail with ErrStopped.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()

	s.log.Debug("stop requested")
	if sup == nil {
		// Never started: nothing is in the heap, only the queue.
		for _, r := range s.queue.close(ErrStopped) {
			r.sink.Disconnect()
		}
		return nil
	}
	return sup.Stop(ctx)
}

// Apply swaps the configuration at runtime. The worker picks up the new wake
// policy on its next iteration; it is woken immediately so a shorter policy
// takes effect without waiting out the current sleep.
func (s *Scheduler) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	cfg.Name = s.config().Name
	s.cfg.Store(&cfg)
	s.queue.notify()
	s.log.Debug("config applied",
		logx.Duration("early_wake", cfg.Wake.EarlyWake),
		logx.Duration("min_wait", cfg.Wake.MinWait),
		logx.Duration("max_wait", cfg.Wake.MaxWait),
		logx.Bool("exact", cfg.Wake.Exact),
	)
}

// Config returns the active configuration.
func (s *Scheduler) Config() Config { return s.config() }

// Oneshot schedules a single pulse no earlier than ms milliseconds from now.
// It returns immediately and never waits on the worker.
func (s *Scheduler) Oneshot(ms uint32) (*pulse.Receiver, error) {
	rx, tx := pulse.New()
	if err := s.queue.push(request{delay: time.Duration(ms) * time.Millisecond, sink: tx}); err != nil {
		return nil, fmt.Errorf("schedule %dms: %w", ms, err)
	}
	return rx, nil
}

// After is Oneshot for a time.Duration, rounded up to whole milliseconds.
func (s *Scheduler) After(d time.Duration) (*pulse.Receiver, error) {
	return s.Oneshot(durationToMillis(d))
}

func durationToMillis(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(ms)
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Running  bool        `json:"running"`
	Queued   int         `json:"queued"`
	Pending  int         `json:"pending"`
	Accepted uint64      `json:"accepted"`
	Fired    uint64      `json:"fired"`
	Wakeups  uint64      `json:"wakeups"`
	Wake     WakePolicy  `json:"wake"`
	Err      string      `json:"err,omitempty"`
	Worker   WorkerStats `json:"worker"`
}

// WorkerStats reports the worker goroutine as seen by its supervisor.
type WorkerStats struct {
	Started     uint64        `json:"started"`
	Panics      uint64        `json:"panics"`
	LastStartAt time.Time     `json:"last_start_at,omitempty"`
	LastStopAt  time.Time     `json:"last_stop_at,omitempty"`
	LastRuntime time.Duration `json:"last_runtime"`
	LastErr     string        `json:"last_err,omitempty"`
	LastPanic   string        `json:"last_panic,omitempty"`
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()

	snap := Snapshot{
		Queued:   s.queue.len(),
		Pending:  int(s.w.pending.Load()),
		Accepted: s.w.accepted.Load(),
		Fired:    s.w.fired.Load(),
		Wakeups:  s.w.wakeups.Load(),
		Wake:     s.config().Wake,
	}
	if sup != nil {
		sv := sup.Snapshot()
		snap.Running = sv.Counters.Active > 0
		name := s.config().Name
		for _, g := range sv.Goroutines {
			if g.Name != name {
				continue
			}
			snap.Worker = WorkerStats{
				Started:     g.Started,
				Panics:      g.Panics,
				LastStartAt: g.LastStartAt,
				LastStopAt:  g.LastStopAt,
				LastRuntime: g.LastRuntime,
				LastErr:     g.LastErr,
				LastPanic:   g.LastPanic,
			}
		}
	}
	if err := s.queue.closedErr(); err != nil {
		snap.Err = err.Error()
	}
	return snap
}
