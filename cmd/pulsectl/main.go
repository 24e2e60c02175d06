// Command pulsectl schedules a batch of one-shot timers, waits on them in the
// requested order and reports how long each took.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pulsetimer/internal/config"
	logx "pulsetimer/pkg/logx"
)

func main() {
	var (
		cfgPath string
		timers  string
		order   string
		watch   bool
		level   string
		diag    string
	)
	flag.StringVar(&cfgPath, "config", "", "path to config (json or yaml)")
	flag.StringVar(&timers, "timers", "", "comma separated delays, e.g. 300ms,1400ms,2000ms")
	flag.StringVar(&order, "order", "", "wait order: submit, asc or desc")
	flag.BoolVar(&watch, "watch", false, "keep running and hot-reload the config file")
	flag.StringVar(&level, "log-level", "", "override logging level")
	flag.StringVar(&diag, "diag", "", "serve diagnostics (pprof, timer state) on this address")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := options{
		ConfigPath: cfgPath,
		Timers:     timers,
		Order:      order,
		Watch:      watch,
		Level:      level,
		DiagAddr:   diag,
	}
	app, err := newApp(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	defer app.Close()

	err = app.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		app.log.Error("run failed", logx.Err(err))
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	_ = app.Stop(stopCtx)
}

type options struct {
	ConfigPath string
	Timers     string
	Order      string
	Watch      bool
	Level      string
	DiagAddr   string
}

// resolve merges flags over the config file (or built-in defaults).
func (o options) resolve() (*config.Manager, *config.Config, error) {
	var (
		mgr *config.Manager
		cfg = &config.Config{
			Logging: config.LoggingConfig{Level: "info", Console: true},
			Timers:  []string{"300ms", "1400ms", "2000ms"},
		}
	)
	if o.ConfigPath != "" {
		mgr = config.NewManager(o.ConfigPath)
		loaded, err := mgr.Load()
		if err != nil {
			return nil, nil, fmt.Errorf("load config %s: %w", o.ConfigPath, err)
		}
		cfg = loaded
	} else if o.Watch {
		return nil, nil, errors.New("-watch requires -config")
	}

	merged := *cfg
	if o.Timers != "" {
		merged.Timers = splitList(o.Timers)
	}
	if o.Order != "" {
		merged.Order = o.Order
	}
	if o.Level != "" {
		merged.Logging.Level = o.Level
	}
	if o.DiagAddr != "" {
		merged.Diag.Addr = o.DiagAddr
	}
	if err := merged.Validate(); err != nil {
		return nil, nil, err
	}
	return mgr, &merged, nil
}
