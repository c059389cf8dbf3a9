package jobs

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"jobhost/internal/recurring"
	"jobhost/internal/storage"
	"jobhost/internal/task/engine"
	"jobhost/internal/task/scheduler"
	logx "jobhost/pkg/logx"
)

type fakeStore struct {
	mu     sync.Mutex
	before time.Time
	pruned int
	err    error
}

func (f *fakeStore) UpsertRecurring(context.Context, storage.RecurringRecord) error { return nil }
func (f *fakeStore) DeleteRecurring(context.Context, string) error                  { return nil }
func (f *fakeStore) ListRecurring(context.Context) ([]storage.RecurringRecord, error) {
	return nil, nil
}
func (f *fakeStore) MarkRecurringRun(context.Context, string, time.Time, string) error { return nil }
func (f *fakeStore) AppendRun(context.Context, storage.RunRecord) error                { return nil }
func (f *fakeStore) Close() error                                                      { return nil }

func (f *fakeStore) PruneRuns(_ context.Context, before time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.before = before
	return f.pruned, f.err
}

type fakeEngine struct{ snap engine.Snapshot }

func (f fakeEngine) Snapshot() engine.Snapshot { return f.snap }

type fakeScheduler struct{ snap scheduler.Snapshot }

func (f fakeScheduler) Snapshot() scheduler.Snapshot { return f.snap }

type captureSink struct {
	ids  []string
	runs map[string]func(ctx context.Context) error
}

func (s *captureSink) AddOrUpdate(id string, run func(ctx context.Context) error, _, _, _ string) error {
	if s.runs == nil {
		s.runs = map[string]func(ctx context.Context) error{}
	}
	s.ids = append(s.ids, id)
	s.runs[id] = run
	return nil
}

func TestAllJobIdentifiers(t *testing.T) {
	t.Parallel()
	jobs := recurring.Collect(All(Deps{})...)
	got := make([]string, 0, len(jobs))
	for _, j := range jobs {
		got = append(got, j.Identifier())
	}
	want := []string{"Heartbeat.Beat", "RunPruner.Prune", "QueueReport.Report"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ids = %v, want %v", got, want)
	}
	if jobs[1].Queue != "maintenance" {
		t.Fatalf("pruner queue = %q", jobs[1].Queue)
	}
	if jobs[2].Enabled {
		t.Fatal("queue report should be disabled by default")
	}
}

func TestRegisterShippedJobs(t *testing.T) {
	t.Parallel()
	deps := Deps{Log: logx.Nop(), Store: &fakeStore{}, Engine: fakeEngine{}}
	r := recurring.New(recurring.WithInstances(recurring.Cached(Factories(deps))))
	sink := &captureSink{}
	res, err := r.Register(recurring.Collect(All(deps)...), sink)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := res.Err(); err != nil {
		t.Fatalf("failures: %v", err)
	}
	if want := []string{"Heartbeat.Beat", "RunPruner.Prune"}; !reflect.DeepEqual(sink.ids, want) {
		t.Fatalf("registered = %v, want %v", sink.ids, want)
	}
	if !reflect.DeepEqual(res.Skipped, []string{"QueueReport.Report"}) {
		t.Fatalf("skipped = %v", res.Skipped)
	}
	if err := sink.runs["Heartbeat.Beat"](context.Background()); err != nil {
		t.Fatalf("Beat: %v", err)
	}
}

func TestHeartbeatCountsBeats(t *testing.T) {
	t.Parallel()
	h := NewHeartbeat(Deps{})
	for i := 0; i < 3; i++ {
		if err := h.Beat(context.Background()); err != nil {
			t.Fatalf("Beat: %v", err)
		}
	}
	if h.Beats() != 3 {
		t.Fatalf("beats = %d", h.Beats())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.Beat(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Beat(canceled) = %v", err)
	}
}

func TestRunPrunerUsesRetention(t *testing.T) {
	t.Parallel()
	st := &fakeStore{pruned: 4}
	p, err := NewRunPruner(Deps{Store: st, Retention: func() time.Duration { return 48 * time.Hour }})
	if err != nil {
		t.Fatalf("NewRunPruner: %v", err)
	}
	now := time.Date(2025, 3, 10, 3, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }
	if err := p.Prune(context.Background()); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if want := now.Add(-48 * time.Hour); !st.before.Equal(want) {
		t.Fatalf("before = %v, want %v", st.before, want)
	}

	st.err = storage.ErrDisabled
	if err := p.Prune(context.Background()); !engine.IsNoRetry(err) {
		t.Fatalf("Prune(disabled) = %v, want no-retry", err)
	}
	st.err = fmt.Errorf("%w: database is locked", storage.ErrBusy)
	err = p.Prune(context.Background())
	if d, ok := engine.RetryDelay(err); !ok || d != pruneBusyBackoff {
		t.Fatalf("Prune(busy) = %v, want retry after %v", err, pruneBusyBackoff)
	}
	if !errors.Is(err, storage.ErrBusy) {
		t.Fatalf("Prune(busy) lost its cause: %v", err)
	}
}

func TestRunPrunerDefaultRetention(t *testing.T) {
	t.Parallel()
	deps := Deps{Retention: func() time.Duration { return 0 }}
	if got := deps.retention(); got != DefaultRunRetention {
		t.Fatalf("retention = %v", got)
	}
	if _, err := NewRunPruner(Deps{}); err == nil {
		t.Fatal("expected error without a store")
	}
}

func TestQueueReportSummary(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	eng := fakeEngine{snap: engine.Snapshot{
		InFlight: 1,
		Dropped:  2,
		Queues: []engine.QueueStats{
			{Name: "default", Workers: 2, Len: 3, Cap: 256},
			{Name: "maintenance", Workers: 1, Len: 1, Cap: 256},
		},
		History: []engine.HistoryItem{
			{Name: "A.B", Started: now.Add(-time.Minute), Error: "boom"},
			{Name: "A.B", Started: now.Add(-2 * time.Minute), Error: "boom"},
			{Name: "C.D", Started: now.Add(-time.Minute)},
			{Name: "E.F", Started: now.Add(-time.Hour), Error: "old"},
		},
	}}
	sch := fakeScheduler{snap: scheduler.Snapshot{Schedules: []scheduler.ScheduleInfo{{ID: "A.B", Missed: 3}, {ID: "C.D"}}}}
	inst, err := NewQueueReport(Deps{Engine: eng, Scheduler: sch})
	if err != nil {
		t.Fatalf("NewQueueReport: %v", err)
	}
	inst.now = func() time.Time { return now }

	got := inst.summarize()
	want := ReportSummary{Queued: 4, InFlight: 1, Dropped: 2, Failures: 2, Failing: []string{"A.B"}, Schedules: 2, Missed: 3}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("summary = %+v, want %+v", got, want)
	}
	if err := inst.Report(context.Background()); err != nil {
		t.Fatalf("Report: %v", err)
	}
}

func TestQueueReportNeedsEngine(t *testing.T) {
	t.Parallel()
	if _, err := NewQueueReport(Deps{}); err == nil {
		t.Fatal("expected error without an engine")
	}
}
