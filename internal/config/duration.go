package config

import (
	"fmt"
	"strings"
	"time"
)

// Durations are Go duration strings in the file ("30s", "168h"). Empty means
// unset; negative values are invalid.
func parseDuration(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", raw)
	}
	return d, nil
}

func durationOr(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := parseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// RunRetentionOr returns service.run_retention, or def when unset.
func (c ServiceConfig) RunRetentionOr(def time.Duration) (time.Duration, error) {
	return durationOr("service.run_retention", c.RunRetention, def)
}

// Timeouts returns task_engine.default_timeout and max_queue_delay.
// Unset values are 0, which the engine reads as "no limit".
func (c TaskEngineConfig) Timeouts() (defaultTimeout, maxQueueDelay time.Duration, err error) {
	if defaultTimeout, err = durationOr("task_engine.default_timeout", c.DefaultTimeout, 0); err != nil {
		return 0, 0, err
	}
	if maxQueueDelay, err = durationOr("task_engine.max_queue_delay", c.MaxQueueDelay, 0); err != nil {
		return 0, 0, err
	}
	return defaultTimeout, maxQueueDelay, nil
}

// BusyTimeoutOr returns storage.busy_timeout, or def when unset.
func (c StorageConfig) BusyTimeoutOr(def time.Duration) (time.Duration, error) {
	return durationOr("storage.busy_timeout", c.BusyTimeout, def)
}
