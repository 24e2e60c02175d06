package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"pulsetimer/internal/config"
	"pulsetimer/internal/observability/diag"
	"pulsetimer/pkg/eventbus"
	logx "pulsetimer/pkg/logx"
	"pulsetimer/pkg/pulse"
	"pulsetimer/pkg/timer"
)

type app struct {
	mgr *config.Manager
	cfg *config.Config

	logSvc *logx.Service
	log    logx.Logger
	bus    *eventbus.MemBus
	sched  *timer.Scheduler
	diag   *diag.Service
	out    io.Writer

	watch bool

	// notify is swapped in tests; it mirrors daemon.SdNotify.
	notify func(state string) (bool, error)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newApp(o options) (*app, error) {
	mgr, cfg, err := o.resolve()
	if err != nil {
		return nil, err
	}
	tc, err := cfg.Timer.Scheduler()
	if err != nil {
		return nil, err
	}

	svc, log := logx.New(cfg.Logging.Logx())
	if mgr != nil {
		mgr.SetLogger(log.With(logx.String("comp", "config")))
		mgr.SetValidator(func(_ context.Context, c *config.Config) error { return c.Validate() })
	}

	bus := eventbus.New()
	a := &app{
		mgr:    mgr,
		cfg:    cfg,
		logSvc: svc,
		log:    log,
		bus:    bus,
		sched:  timer.New(tc, log.With(logx.String("comp", "timer")), bus),
		out:    os.Stdout,
		watch:  o.Watch,
		notify: func(state string) (bool, error) { return daemon.SdNotify(false, state) },
	}
	if cfg.Diag.Addr != "" {
		a.diag = diag.New(diag.Config{Addr: cfg.Diag.Addr, Token: cfg.Diag.Token}, log, a.state)
	}
	return a, nil
}

// state is served on /debug/timer.
func (a *app) state() any {
	return struct {
		Scheduler timer.Snapshot `json:"scheduler"`
		Dropped   uint64         `json:"bus_dropped"`
	}{a.sched.Snapshot(), a.bus.Dropped()}
}

// Run starts the scheduler, submits every configured timer, waits on them in
// the configured order, and with -watch keeps serving config reloads until ctx ends.
func (a *app) Run(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	a.sched.Start(ctx)
	a.startEventLog(ctx)
	if a.diag != nil {
		if err := a.diag.Start(ctx); err != nil {
			return err
		}
	}
	a.sdNotify(daemon.SdNotifyReady)

	delays, err := a.cfg.Delays()
	if err != nil {
		return err
	}
	if err := a.runBatch(ctx, delays, a.cfg.Order); err != nil {
		return err
	}

	if !a.watch || a.mgr == nil {
		return nil
	}
	return a.serveReloads(ctx)
}

type pending struct {
	index int
	delay time.Duration
	start time.Time
	rx    *pulse.Receiver
}

// runBatch submits all delays at once (in submission order) and then waits.
func (a *app) runBatch(ctx context.Context, delays []time.Duration, order string) error {
	batch := make([]pending, 0, len(delays))
	for i, d := range delays {
		start := time.Now()
		rx, err := a.sched.After(d)
		if err != nil {
			return fmt.Errorf("schedule timer %d (%s): %w", i, d, err)
		}
		batch = append(batch, pending{index: i, delay: d, start: start, rx: rx})
	}
	a.log.Info("timers scheduled", logx.Int("count", len(batch)), logx.String("order", orderName(order)))

	for _, p := range waitOrder(batch, order) {
		if err := p.rx.WaitContext(ctx); err != nil {
			return fmt.Errorf("wait timer %d (%s): %w", p.index, p.delay, err)
		}
		elapsed := time.Since(p.start)
		fmt.Fprintf(a.out, "timer %d: requested %s, completed after %s\n",
			p.index, p.delay, elapsed.Round(time.Millisecond))
	}
	return nil
}

func orderName(order string) string {
	o := strings.ToLower(strings.TrimSpace(order))
	if o == "" {
		return "submit"
	}
	return o
}

// waitOrder returns batch rearranged for waiting. Submission order is unchanged.
func waitOrder(batch []pending, order string) []pending {
	out := append([]pending(nil), batch...)
	switch orderName(order) {
	case "asc":
		sort.SliceStable(out, func(i, j int) bool { return out[i].delay < out[j].delay })
	case "desc":
		sort.SliceStable(out, func(i, j int) bool { return out[i].delay > out[j].delay })
	}
	return out
}

// startEventLog mirrors timer lifecycle events into the debug log.
func (a *app) startEventLog(ctx context.Context) {
	ch, unsubscribe := a.bus.Subscribe(64)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				switch data := ev.Data.(type) {
				case timer.Fired:
					a.log.Debug("timer fired",
						logx.Uint64("seq", data.Seq),
						logx.Duration("requested", data.Requested),
						logx.Duration("lateness", data.Lateness),
					)
				case timer.Stopped:
					a.log.Debug("timer worker stopped",
						logx.String("reason", data.Reason),
						logx.Int("abandoned", data.Abandoned),
					)
				}
			}
		}
	}()
}

// serveReloads applies config changes to the logger and the scheduler.
func (a *app) serveReloads(ctx context.Context) error {
	sub := a.mgr.Subscribe(4)
	defer a.mgr.Unsubscribe(sub)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.mgr.Watch(ctx)
	}()
	a.log.Info("watching config", logx.String("path", a.mgr.Path()))

	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-sub:
			if !ok {
				return nil
			}
			a.apply(next)
		}
	}
}

func (a *app) apply(next *config.Config) {
	tc, err := next.Timer.Scheduler()
	if err != nil {
		a.log.Warn("config reload ignored", logx.Err(err))
		return
	}
	changed, attrs := config.SummarizeConfigChange(a.cfg, next)
	a.logSvc.Apply(next.Logging.Logx())
	a.sched.Apply(tc)
	a.cfg = next

	if len(changed) == 0 {
		return
	}
	attrs = append(attrs, logx.String("changed", strings.Join(changed, ",")))
	a.log.Info("config reloaded", attrs...)
}

func (a *app) sdNotify(state string) {
	if a.notify == nil {
		return
	}
	sent, err := a.notify(state)
	if err != nil {
		a.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// Stop notifies systemd and stops the scheduler, disconnecting unfired timers.
func (a *app) Stop(ctx context.Context) error {
	a.sdNotify(daemon.SdNotifyStopping)
	err := a.sched.Stop(ctx)
	if a.diag != nil {
		if derr := a.diag.Stop(ctx); err == nil {
			err = derr
		}
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	return err
}

func (a *app) Close() {
	if a.logSvc != nil {
		_ = a.logSvc.Close()
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
