package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("storage: not found")
	// ErrBusy reports that another connection holds the database lock past
	// the busy timeout. The write can be retried later.
	ErrBusy = errors.New("storage: busy")
)

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (json snapshot + jsonl run log)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RecurringRecord is the persisted view of one registered recurring job.
type RecurringRecord struct {
	ID        string    `json:"id"`
	Cron      string    `json:"cron"`
	TimeZone  string    `json:"time_zone"`
	Queue     string    `json:"queue"`
	UpdatedAt time.Time `json:"updated_at"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// RunRecord records one finished task execution.
// Keep it compact and schema-stable.
type RunRecord struct {
	TaskID     string        `json:"task_id"`
	JobID      string        `json:"job_id"`
	Queue      string        `json:"queue"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}
