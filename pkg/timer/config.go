package timer

import "time"

const (
	DefaultIdleWait  = 1000 * time.Millisecond
	DefaultEarlyWake = 4000 * time.Millisecond
	DefaultMinWait   = 25 * time.Millisecond
	DefaultMaxWait   = 10000 * time.Millisecond
	DefaultLateWarn  = 250 * time.Millisecond

	defaultWorkerName = "timer.worker"
)

// WakePolicy decides how long the worker sleeps between checks.
//
// With a pending timer the worker sleeps clamp(remaining-EarlyWake, MinWait, MaxWait),
// so long timers get rechecked several times and the final stretch is polled
// every MinWait. With nothing pending it sleeps IdleWait; submissions wake it
// early either way.
type WakePolicy struct {
	IdleWait time.Duration
	// EarlyWake of zero takes the default; use a negative value for none.
	EarlyWake time.Duration
	MinWait   time.Duration
	MaxWait   time.Duration

	// Exact sleeps until the next deadline (capped at MaxWait) instead of
	// waking early and polling.
	Exact bool
}

// DefaultWakePolicy returns the 1000/4000/25/10000 ms policy.
func DefaultWakePolicy() WakePolicy {
	return WakePolicy{
		IdleWait:  DefaultIdleWait,
		EarlyWake: DefaultEarlyWake,
		MinWait:   DefaultMinWait,
		MaxWait:   DefaultMaxWait,
	}
}

func (p WakePolicy) withDefaults() WakePolicy {
	if p.IdleWait <= 0 {
		p.IdleWait = DefaultIdleWait
	}
	if p.EarlyWake < 0 {
		p.EarlyWake = 0
	} else if p.EarlyWake == 0 && !p.Exact {
		p.EarlyWake = DefaultEarlyWake
	}
	if p.MinWait <= 0 {
		p.MinWait = DefaultMinWait
	}
	if p.MaxWait <= 0 {
		p.MaxWait = DefaultMaxWait
	}
	if p.MaxWait < p.MinWait {
		p.MaxWait = p.MinWait
	}
	return p
}

// Interval returns the sleep before the next check. remaining is the time
// until the earliest pending deadline and is ignored when pending is false.
func (p WakePolicy) Interval(remaining time.Duration, pending bool) time.Duration {
	if !pending {
		return p.IdleWait
	}
	if p.Exact {
		return clamp(remaining, 0, p.MaxWait)
	}
	return clamp(remaining-p.EarlyWake, p.MinWait, p.MaxWait)
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// Config controls a Scheduler. The zero value is usable; unset fields take defaults.
type Config struct {
	Wake WakePolicy

	// LateWarn logs a (rate-limited) warning when a timer fires later than
	// this past its deadline. Negative disables the warning.
	LateWarn time.Duration

	// Name labels the worker goroutine in logs and supervisor stats.
	Name string
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Wake:     DefaultWakePolicy(),
		LateWarn: DefaultLateWarn,
		Name:     defaultWorkerName,
	}
}

func (c Config) withDefaults() Config {
	c.Wake = c.Wake.withDefaults()
	if c.LateWarn == 0 {
		c.LateWarn = DefaultLateWarn
	}
	if c.Name == "" {
		c.Name = defaultWorkerName
	}
	return c
}
