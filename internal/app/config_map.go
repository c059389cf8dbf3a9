package app

import (
	"fmt"
	"strings"
	"time"

	"jobhost/internal/config"
	"jobhost/internal/jobs"
	"jobhost/internal/recurring"
	"jobhost/internal/service"
	"jobhost/internal/storage"
	"jobhost/internal/task/engine"
	"jobhost/internal/task/scheduler"
	logx "jobhost/pkg/logx"
)

// builtinQueues exist unless the config sizes them explicitly.
var builtinQueues = map[string]int{"maintenance": 1}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	if cfg == nil {
		return logx.Config{Console: true}
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Journal: logx.JournalConfig{
			Enabled:    cfg.Logging.Journal.Enabled,
			MinLevel:   cfg.Logging.Journal.MinLevel,
			RatePerSec: cfg.Logging.Journal.RatePerSec,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	if cfg == nil {
		return scheduler.Config{}
	}
	return scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: strings.TrimSpace(cfg.Scheduler.Timezone),
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	if cfg == nil {
		return engine.Config{}, nil
	}

	enabled := cfg.Scheduler.Enabled
	queues := make(map[string]int, len(builtinQueues))
	for name, n := range builtinQueues {
		queues[name] = n
	}
	out := engine.Config{Queues: queues, RetryMax: 3}

	te := cfg.TaskEngine
	if te != nil {
		if te.Enabled != nil {
			enabled = *te.Enabled
		}
		// Scheduler triggers with a stopped engine would drop every run.
		if cfg.Scheduler.Enabled && te.Enabled != nil && !*te.Enabled {
			return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
		}
		out.Workers = te.Workers
		out.QueueSize = te.QueueSize
		out.HistorySize = te.HistorySize
		for name, n := range te.Queues {
			name = strings.TrimSpace(name)
			if name == "" || name == engine.DefaultQueue {
				continue
			}
			queues[name] = n
		}
		switch {
		case te.RetryMax < 0:
			out.RetryMax = 0
		case te.RetryMax > 0:
			out.RetryMax = te.RetryMax
		}

		var err error
		if out.DefaultTimeout, out.MaxQueueDelay, err = te.Timeouts(); err != nil {
			return engine.Config{}, err
		}
	}
	out.Enabled = enabled
	return out, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		busy, err := sc.BusyTimeoutOr(time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapOverrides(cfg *config.Config) map[string]recurring.Override {
	if cfg == nil || len(cfg.Jobs) == 0 {
		return nil
	}
	out := make(map[string]recurring.Override, len(cfg.Jobs))
	for id, o := range cfg.Jobs {
		out[id] = recurring.Override{
			Cron:     strings.TrimSpace(o.Cron),
			TimeZone: strings.TrimSpace(o.TimeZone),
			Queue:    strings.TrimSpace(o.Queue),
			Enabled:  o.Enabled,
		}
	}
	return out
}

func mapNotifyConfig(cfg *config.Config) service.NotifyConfig {
	out := service.NotifyConfig{Notify: true, Watchdog: true}
	if cfg == nil {
		return out
	}
	if cfg.Service.Notify != nil {
		out.Notify = *cfg.Service.Notify
	}
	if cfg.Service.Watchdog != nil {
		out.Watchdog = *cfg.Service.Watchdog
	}
	return out
}

func mapRunRetention(cfg *config.Config) time.Duration {
	if cfg == nil {
		return jobs.DefaultRunRetention
	}
	d, err := cfg.Service.RunRetentionOr(jobs.DefaultRunRetention)
	if err != nil {
		return jobs.DefaultRunRetention
	}
	return d
}

func unitName(cfg *config.Config) string {
	if cfg == nil || strings.TrimSpace(cfg.Service.Unit) == "" {
		return service.DefaultUnit
	}
	return strings.TrimSpace(cfg.Service.Unit)
}
