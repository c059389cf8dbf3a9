package config

// Config is the on-disk configuration (JSON or YAML).
type Config struct {
	Service   ServiceConfig   `json:"service"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls execution. If omitted, it follows scheduler.enabled
	// with runtime defaults.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`

	// Jobs overrides recurring job descriptors by identifier ("Type.Method").
	Jobs map[string]JobOverride `json:"jobs,omitempty" validate:"omitempty,dive,keys,required,endkeys"`
}

// ServiceConfig controls the systemd integration.
//
// Notify and Watchdog are no-ops when the process is not started by systemd
// (NOTIFY_SOCKET / WATCHDOG_USEC unset).
type ServiceConfig struct {
	// Unit is the systemd unit name used by -status (default "jobhost.service").
	Unit     string `json:"unit,omitempty"`
	Notify   *bool  `json:"notify,omitempty"`
	Watchdog *bool  `json:"watchdog,omitempty"`

	// RunRetention is how long run history is kept (Go duration, default "720h").
	RunRetention string `json:"run_retention,omitempty" validate:"omitempty,goduration"`
}

type LoggingConfig struct {
	Level   string         `json:"level" validate:"omitempty,loglevel"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Journal LoggingJournal `json:"journal"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingJournal struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level" validate:"omitempty,loglevel"`
	RatePerSec int    `json:"rate_per_sec" validate:"gte=0"`
}

// SchedulerConfig controls the cron trigger.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Timezone is the IANA zone for jobs whose time zone is "Local".
	Timezone string `json:"timezone,omitempty" validate:"omitempty,tz"`
}

// TaskEngineConfig controls the task execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Enabled is a pointer so we can distinguish "omitted" (default to scheduler.enabled)
// from an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - enabled: scheduler.enabled
//   - workers: 2 (default queue)
//   - queue_size: 256
//   - queues: "maintenance" with 1 worker besides "default"
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3 (use -1 to disable retries)
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty" validate:"gte=0"`

	QueueSize int `json:"queue_size,omitempty" validate:"gte=0"`

	// Queues maps extra queue names to their worker count.
	Queues map[string]int `json:"queues,omitempty" validate:"omitempty,dive,keys,required,endkeys,gte=0"`

	DefaultTimeout string `json:"default_timeout,omitempty" validate:"omitempty,goduration"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty" validate:"omitempty,goduration"`

	HistorySize int `json:"history_size,omitempty" validate:"gte=0"`
	RetryMax    int `json:"retry_max,omitempty" validate:"gte=-1"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	storage: { driver: sqlite, path: ./data/jobhost.db }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=none file sqlite sqlite3"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty" validate:"omitempty,goduration"` // sqlite
}

// JobOverride retimes, moves or toggles one recurring job.
// Empty fields keep the value declared in code.
type JobOverride struct {
	Cron     string `json:"cron,omitempty" validate:"omitempty,schedule"`
	TimeZone string `json:"time_zone,omitempty" validate:"omitempty,tz"`
	Queue    string `json:"queue,omitempty"`
	Enabled  *bool  `json:"enabled,omitempty"`
}
