package config

import (
	"reflect"
	"strings"

	logx "pulsetimer/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and structured fields
// describing the new values, for a single "config reloaded" log line.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 3)
	attrs := make([]logx.Field, 0, 10)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Timer != newCfg.Timer {
		changed = append(changed, "timer")
		attrs = append(attrs,
			logx.String("timer.early_wake", strings.TrimSpace(newCfg.Timer.EarlyWake)),
			logx.String("timer.min_wait", strings.TrimSpace(newCfg.Timer.MinWait)),
			logx.String("timer.max_wait", strings.TrimSpace(newCfg.Timer.MaxWait)),
			logx.Bool("timer.exact", newCfg.Timer.Exact),
		)
	}

	// Startup timers only matter at launch; still surfaced so edits aren't silent.
	if !reflect.DeepEqual(oldCfg.Timers, newCfg.Timers) || oldCfg.Order != newCfg.Order {
		changed = append(changed, "timers")
		attrs = append(attrs, logx.Int("timers.count", len(newCfg.Timers)))
	}

	return changed, attrs
}
