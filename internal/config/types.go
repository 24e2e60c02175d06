package config

import (
	"fmt"
	"strings"
	"time"

	logx "pulsetimer/pkg/logx"
	"pulsetimer/pkg/timer"
)

// Config is the pulsectl config file (JSON or YAML).
//
// Example (YAML):
//
//	logging:
//	  level: debug
//	  console: true
//	timer:
//	  early_wake: 4s
//	  min_wait: 25ms
//	timers: ["300ms", "1400ms", "2000ms"]
//	order: submit
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Timer   TimerConfig   `json:"timer"`
	Diag    DiagConfig    `json:"diag"`

	// Timers are Go duration strings scheduled at startup.
	Timers []string `json:"timers,omitempty"`
	// Order is the wait order: "submit" (default), "asc" or "desc".
	Order string `json:"order,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DiagConfig enables the HTTP diagnostics endpoint when Addr is set.
type DiagConfig struct {
	Addr  string `json:"addr,omitempty"`
	Token string `json:"token,omitempty"`
}

// TimerConfig mirrors timer.WakePolicy with Go duration strings.
// Empty fields keep the library defaults (1s idle, 4s early wake, 25ms..10s).
type TimerConfig struct {
	IdleWait  string `json:"idle_wait,omitempty"`
	EarlyWake string `json:"early_wake,omitempty"`
	MinWait   string `json:"min_wait,omitempty"`
	MaxWait   string `json:"max_wait,omitempty"`
	Exact     bool   `json:"exact,omitempty"`
	// LateWarn is the lateness threshold for warnings; "off" disables them.
	LateWarn string `json:"late_warn,omitempty"`
}

// Logx converts the logging section for logx.Service.
func (c LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

// Scheduler converts the timer section into a timer.Config.
func (c TimerConfig) Scheduler() (timer.Config, error) {
	cfg := timer.DefaultConfig()
	var err error
	if cfg.Wake.IdleWait, err = ParseDurationOrDefault("timer.idle_wait", c.IdleWait, timer.DefaultIdleWait); err != nil {
		return timer.Config{}, err
	}
	if strings.TrimSpace(c.EarlyWake) != "" {
		d, err := ParseDurationField("timer.early_wake", c.EarlyWake)
		if err != nil {
			return timer.Config{}, err
		}
		if d == 0 {
			d = -1 // explicit "0s" means no early wake
		}
		cfg.Wake.EarlyWake = d
	}
	if cfg.Wake.MinWait, err = ParseDurationOrDefault("timer.min_wait", c.MinWait, timer.DefaultMinWait); err != nil {
		return timer.Config{}, err
	}
	if cfg.Wake.MaxWait, err = ParseDurationOrDefault("timer.max_wait", c.MaxWait, timer.DefaultMaxWait); err != nil {
		return timer.Config{}, err
	}
	if cfg.Wake.MaxWait < cfg.Wake.MinWait {
		return timer.Config{}, fmt.Errorf("timer.max_wait: %s is below min_wait %s", cfg.Wake.MaxWait, cfg.Wake.MinWait)
	}
	cfg.Wake.Exact = c.Exact

	switch lw := strings.ToLower(strings.TrimSpace(c.LateWarn)); lw {
	case "off", "disabled":
		cfg.LateWarn = -1
	default:
		if cfg.LateWarn, err = ParseDurationOrDefault("timer.late_warn", c.LateWarn, timer.DefaultLateWarn); err != nil {
			return timer.Config{}, err
		}
	}
	return cfg, nil
}

// Delays parses Timers.
func (c *Config) Delays() ([]time.Duration, error) {
	out := make([]time.Duration, 0, len(c.Timers))
	for i, raw := range c.Timers {
		d, err := ParseDurationField(fmt.Sprintf("timers[%d]", i), raw)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Validate checks everything that can be checked without side effects.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := c.Timer.Scheduler(); err != nil {
		return err
	}
	if _, err := c.Delays(); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(c.Order)) {
	case "", "submit", "asc", "desc":
	default:
		return fmt.Errorf("order: unknown value %q (want submit, asc or desc)", c.Order)
	}
	return nil
}
