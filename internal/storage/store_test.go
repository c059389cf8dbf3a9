package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "jobhost/pkg/logx"
)

func openTestStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{}
	for driver, path := range map[string]string{
		"file":   filepath.Join(dir, "file", "jobhost"),
		"sqlite": filepath.Join(dir, "sqlite", "jobhost.db"),
	} {
		st, err := Open(Config{Driver: driver, Path: path, BusyTimeout: time.Second}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%s): %v", driver, err)
		}
		t.Cleanup(func() { _ = st.Close() })
		out[driver] = st
	}
	return out
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestRecurringUpsertListDelete(t *testing.T) {
	ctx := context.Background()
	for driver, st := range openTestStores(t) {
		t.Run(driver, func(t *testing.T) {
			if err := st.UpsertRecurring(ctx, RecurringRecord{ID: "Heartbeat.Beat", Cron: "*/1 * * * *", TimeZone: "Local", Queue: "default"}); err != nil {
				t.Fatalf("UpsertRecurring: %v", err)
			}
			if err := st.UpsertRecurring(ctx, RecurringRecord{ID: "Heartbeat.Beat", Cron: "*/2 * * * *", TimeZone: "UTC", Queue: "default"}); err != nil {
				t.Fatalf("UpsertRecurring (update): %v", err)
			}
			if err := st.UpsertRecurring(ctx, RecurringRecord{ID: "RunPruner.Prune", Cron: "0 3 * * *", TimeZone: "Local", Queue: "maintenance"}); err != nil {
				t.Fatalf("UpsertRecurring: %v", err)
			}

			rows, err := st.ListRecurring(ctx)
			if err != nil {
				t.Fatalf("ListRecurring: %v", err)
			}
			if len(rows) != 2 {
				t.Fatalf("len(rows) = %d, want 2", len(rows))
			}
			if rows[0].ID != "Heartbeat.Beat" || rows[0].Cron != "*/2 * * * *" || rows[0].TimeZone != "UTC" {
				t.Fatalf("unexpected first row: %#v", rows[0])
			}

			at := time.Now().Truncate(time.Millisecond)
			if err := st.MarkRecurringRun(ctx, "Heartbeat.Beat", at, "boom"); err != nil {
				t.Fatalf("MarkRecurringRun: %v", err)
			}
			if err := st.MarkRecurringRun(ctx, "Missing.Job", at, ""); !errors.Is(err, ErrNotFound) {
				t.Fatalf("MarkRecurringRun(missing) = %v, want ErrNotFound", err)
			}
			// Re-registration keeps the last run outcome.
			if err := st.UpsertRecurring(ctx, RecurringRecord{ID: "Heartbeat.Beat", Cron: "*/2 * * * *", TimeZone: "UTC", Queue: "default"}); err != nil {
				t.Fatalf("UpsertRecurring: %v", err)
			}
			rows, _ = st.ListRecurring(ctx)
			if !rows[0].LastRunAt.Equal(at) || rows[0].LastError != "boom" {
				t.Fatalf("run outcome lost: %#v", rows[0])
			}

			if err := st.DeleteRecurring(ctx, "RunPruner.Prune"); err != nil {
				t.Fatalf("DeleteRecurring: %v", err)
			}
			rows, _ = st.ListRecurring(ctx)
			if len(rows) != 1 {
				t.Fatalf("len(rows) after delete = %d, want 1", len(rows))
			}
		})
	}
}

func TestRunsAppendAndPrune(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	for driver, st := range openTestStores(t) {
		t.Run(driver, func(t *testing.T) {
			for i, age := range []time.Duration{48 * time.Hour, 30 * time.Hour, time.Hour} {
				err := st.AppendRun(ctx, RunRecord{
					TaskID:   "tsk-" + string(rune('a'+i)),
					JobID:    "Heartbeat.Beat",
					Queue:    "default",
					Started:  now.Add(-age),
					Duration: 10 * time.Millisecond,
					Attempts: 1,
				})
				if err != nil {
					t.Fatalf("AppendRun: %v", err)
				}
			}
			n, err := st.PruneRuns(ctx, now.Add(-24*time.Hour))
			if err != nil {
				t.Fatalf("PruneRuns: %v", err)
			}
			if n != 2 {
				t.Fatalf("pruned = %d, want 2", n)
			}
			n, err = st.PruneRuns(ctx, now.Add(-24*time.Hour))
			if err != nil || n != 0 {
				t.Fatalf("second PruneRuns = %d, %v; want 0, nil", n, err)
			}
			// Appends still work after compaction.
			if err := st.AppendRun(ctx, RunRecord{TaskID: "tsk-z", JobID: "x", Queue: "default", Started: now}); err != nil {
				t.Fatalf("AppendRun after prune: %v", err)
			}
		})
	}
}

func TestFileStoreReloadsSnapshot(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "jobhost")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.UpsertRecurring(ctx, RecurringRecord{ID: "A.B", Cron: "@hourly", TimeZone: "Local", Queue: "default"}); err != nil {
		t.Fatalf("UpsertRecurring: %v", err)
	}
	_ = st.Close()

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	rows, err := st2.ListRecurring(ctx)
	if err != nil || len(rows) != 1 || rows[0].ID != "A.B" {
		t.Fatalf("ListRecurring after reopen = %#v, %v", rows, err)
	}
}
