package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "jobhost/pkg/logx"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) UpsertRecurring(ctx context.Context, r RecurringRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	r.ID = strings.TrimSpace(r.ID)
	if r.ID == "" {
		return errors.New("recurring id required")
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recurring_jobs(id, cron, time_zone, queue, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET cron=excluded.cron, time_zone=excluded.time_zone,
		   queue=excluded.queue, updated_at=excluded.updated_at`,
		r.ID, r.Cron, r.TimeZone, r.Queue, r.UpdatedAt.UnixMilli(),
	)
	return classify(err)
}

func (s *sqliteStore) DeleteRecurring(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM recurring_jobs WHERE id = ?`, id)
	return classify(err)
}

func (s *sqliteStore) ListRecurring(ctx context.Context) ([]RecurringRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, cron, time_zone, queue, updated_at, last_run_at, last_error FROM recurring_jobs ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RecurringRecord
	for rows.Next() {
		var (
			r         RecurringRecord
			updated   int64
			lastRun   sql.NullInt64
			lastError sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Cron, &r.TimeZone, &r.Queue, &updated, &lastRun, &lastError); err != nil {
			return nil, err
		}
		r.UpdatedAt = time.UnixMilli(updated)
		if lastRun.Valid {
			r.LastRunAt = time.UnixMilli(lastRun.Int64)
		}
		r.LastError = lastError.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkRecurringRun(ctx context.Context, id string, at time.Time, errMsg string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE recurring_jobs SET last_run_at = ?, last_error = ? WHERE id = ?`,
		at.UnixMilli(), nullStr(errMsg), id,
	)
	if err != nil {
		return classify(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_runs(task_id, job_id, queue, started, queue_delay_ms, duration_ms, attempts, err)
		 VALUES(?,?,?,?,?,?,?,?)`,
		r.TaskID, r.JobID, r.Queue, r.Started.UnixMilli(), r.QueueDelay.Milliseconds(),
		r.Duration.Milliseconds(), r.Attempts, nullStr(r.Error),
	)
	return classify(err)
}

func (s *sqliteStore) PruneRuns(ctx context.Context, before time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_runs WHERE started < ?`, before.UnixMilli())
	if err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// classify maps lock contention to ErrBusy. Extended result codes keep the
// primary code in the low byte.
func classify(err error) error {
	var se *sqlite.Error
	if err == nil || !errors.As(err, &se) {
		return err
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return fmt.Errorf("%w: %v", ErrBusy, err)
	}
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
