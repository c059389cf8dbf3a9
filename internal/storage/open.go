package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "jobhost/pkg/logx"
)

// Store is the persistence API used by the scheduler and the run recorder.
type Store interface {
	UpsertRecurring(ctx context.Context, r RecurringRecord) error
	DeleteRecurring(ctx context.Context, id string) error
	ListRecurring(ctx context.Context) ([]RecurringRecord, error)
	// MarkRecurringRun stores the outcome of the latest run of a recurring job.
	// errMsg is empty on success. Returns ErrNotFound for unknown ids.
	MarkRecurringRun(ctx context.Context, id string, at time.Time, errMsg string) error

	AppendRun(ctx context.Context, r RunRecord) error
	// PruneRuns deletes run records that started before the given time and
	// returns how many were removed.
	PruneRuns(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
