package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"jobhost/internal/eventbus"
	"jobhost/internal/storage"
	"jobhost/internal/task/engine"
	logx "jobhost/pkg/logx"
)

type fakeEngine struct {
	mu     sync.Mutex
	queues map[string]bool
	tasks  []engine.Task
	err    error
}

func (f *fakeEngine) Enqueue(t engine.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, t)
	return nil
}

func (f *fakeEngine) HasQueue(name string) bool { return f.queues[name] }

func newFakeEngine(queues ...string) *fakeEngine {
	m := map[string]bool{engine.DefaultQueue: true}
	for _, q := range queues {
		m[q] = true
	}
	return &fakeEngine{queues: m}
}

func noop(context.Context) error { return nil }

func TestCompile(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		spec    string
		tz      string
		norm    string
		zone    string
		wantErr error
	}{
		{name: "five fields", spec: "*/1 * * * *", norm: "*/1 * * * *", zone: "Local"},
		{name: "six fields", spec: "30 */5 * * * *", tz: "UTC", norm: "30 */5 * * * *", zone: "UTC"},
		{name: "descriptor in zone", spec: "@daily", tz: "Asia/Jakarta", norm: "@daily", zone: "Asia/Jakarta"},
		{name: "explicit local", spec: "0 3 * * *", tz: "local", norm: "0 3 * * *", zone: "Local"},
		{name: "interval", spec: "55m", norm: "@every 55m0s", zone: "Local"},
		{name: "bad cron", spec: "61 * * * *", wantErr: ErrInvalidCron},
		{name: "garbage", spec: "often", wantErr: ErrInvalidCron},
		{name: "inline zone", spec: "CRON_TZ=UTC 0 3 * * *", wantErr: ErrInvalidCron},
		{name: "bad zone", spec: "0 3 * * *", tz: "Mars/Olympus", wantErr: ErrInvalidTimeZone},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Compile(tt.spec, tt.tz)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Compile(%q, %q) error = %v, want %v", tt.spec, tt.tz, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Compile(%q, %q): %v", tt.spec, tt.tz, err)
			}
			if got.Spec != tt.norm || got.TimeZone != tt.zone || got.Schedule == nil {
				t.Fatalf("Compile = %+v, want spec %q zone %q", got, tt.norm, tt.zone)
			}
		})
	}
}

func TestCompileEvaluatesInZone(t *testing.T) {
	t.Parallel()
	c, err := Compile("0 3 * * *", "Asia/Tokyo")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	next := c.Schedule.Next(from)
	// 03:00 JST is 18:00 UTC on the previous day.
	want := time.Date(2024, 1, 1, 18, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("Next = %v, want %v", next.UTC(), want)
	}
}

func TestAddOrUpdateUpserts(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	s := New(Config{Enabled: true}, newFakeEngine("jobs"), nil, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.AddOrUpdate("T.A", noop, "*/1 * * * *", "", ""); err != nil {
		t.Fatalf("AddOrUpdate: %v", err)
	}
	if err := s.AddOrUpdate("T.A", noop, "*/5 * * * *", "UTC", "jobs"); err != nil {
		t.Fatalf("AddOrUpdate (update): %v", err)
	}

	snap := s.Snapshot()
	if len(snap.Schedules) != 1 {
		t.Fatalf("schedules = %d, want 1", len(snap.Schedules))
	}
	got := snap.Schedules[0]
	if got.ID != "T.A" || got.Spec != "*/5 * * * *" || got.TimeZone != "UTC" || got.Queue != "jobs" {
		t.Fatalf("unexpected schedule: %+v", got)
	}
	if got.Next.IsZero() {
		t.Fatal("expected Next to be computed while running")
	}

	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			if ev.Type != eventbus.RecurringRegistered {
				t.Fatalf("event = %s", ev.Type)
			}
		case <-time.After(time.Second):
			t.Fatal("missing registered event")
		}
	}
}

func TestAddOrUpdateRejects(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, newFakeEngine(), nil, logx.Nop(), nil)

	if err := s.AddOrUpdate("", noop, "* * * * *", "", ""); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("empty id = %v", err)
	}
	if err := s.AddOrUpdate("X.Y", nil, "* * * * *", "", ""); err == nil {
		t.Fatal("expected error for nil run")
	}
	if err := s.AddOrUpdate("X.Y", noop, "bogus cron", "", ""); !errors.Is(err, ErrInvalidCron) {
		t.Fatalf("bad cron = %v", err)
	}
	if err := s.AddOrUpdate("X.Y", noop, "* * * * *", "Nowhere/City", ""); !errors.Is(err, ErrInvalidTimeZone) {
		t.Fatalf("bad zone = %v", err)
	}
	if err := s.AddOrUpdate("X.Y", noop, "* * * * *", "", "missing"); !errors.Is(err, engine.ErrUnknownQueue) {
		t.Fatalf("unknown queue = %v", err)
	}
	if n := len(s.Snapshot().Schedules); n != 0 {
		t.Fatalf("rejected registrations were kept: %d", n)
	}
}

func TestRemoveAndTrigger(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine("maintenance")
	s := New(Config{}, eng, nil, logx.Nop(), nil)

	if err := s.AddOrUpdate("RunPruner.Prune", noop, "0 3 * * *", "", "maintenance"); err != nil {
		t.Fatalf("AddOrUpdate: %v", err)
	}
	if err := s.Trigger("RunPruner.Prune"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	eng.mu.Lock()
	if len(eng.tasks) != 1 || eng.tasks[0].Queue != "maintenance" || eng.tasks[0].Name != "RunPruner.Prune" {
		t.Fatalf("unexpected tasks: %+v", eng.tasks)
	}
	if eng.tasks[0].Opt.Overlap != engine.OverlapSkipIfRunning {
		t.Fatal("scheduled tasks should skip when already running")
	}
	eng.mu.Unlock()

	if !s.Remove("RunPruner.Prune") {
		t.Fatal("Remove returned false")
	}
	if s.Remove("RunPruner.Prune") {
		t.Fatal("second Remove returned true")
	}
	if err := s.Trigger("RunPruner.Prune"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Trigger after remove = %v, want ErrNotFound", err)
	}
}

func TestStartActivatesEarlierRegistrations(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: false}, newFakeEngine(), nil, logx.Nop(), nil)
	if err := s.AddOrUpdate("Heartbeat.Beat", noop, "*/1 * * * *", "", ""); err != nil {
		t.Fatalf("AddOrUpdate: %v", err)
	}
	s.Start(context.Background())
	if s.Running() {
		t.Fatal("disabled scheduler should not run")
	}

	s.Apply(Config{Enabled: true, Timezone: "UTC"})
	defer s.Stop(context.Background())
	snap := s.Snapshot()
	if !snap.Running || snap.Timezone != "UTC" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Schedules[0].Next.IsZero() {
		t.Fatal("schedule was not activated")
	}
}

func TestRegistrationsMirroredToStore(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "jobhost")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer st.Close()

	s := New(Config{}, newFakeEngine(), st, logx.Nop(), nil)
	_ = s.AddOrUpdate("A.One", noop, "@hourly", "UTC", "")
	_ = s.AddOrUpdate("B.Two", noop, "0 3 * * *", "", "")
	s.Remove("A.One")

	rows, err := st.ListRecurring(context.Background())
	if err != nil {
		t.Fatalf("ListRecurring: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "B.Two" || rows[0].TimeZone != "Local" || rows[0].Queue != "default" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestEnqueueFailureIsThrottled(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	eng.err = engine.ErrQueueFull
	s := New(Config{}, eng, nil, logx.Nop(), nil)
	_ = s.AddOrUpdate("Q.Full", noop, "* * * * *", "", "")

	s.fire(s.defs["Q.Full"])
	first := s.lastEnqWarn["Q.Full"]
	s.fire(s.defs["Q.Full"])
	if !s.lastEnqWarn["Q.Full"].Equal(first) || first.IsZero() {
		t.Fatal("second warning within throttle window should be suppressed")
	}
	if got := s.Snapshot().Schedules[0].Missed; got != 2 {
		t.Fatalf("Missed = %d, want 2", got)
	}
}

func TestMissReason(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want string
	}{
		{engine.ErrQueueFull, "queue_full"},
		{engine.ErrStopping, "engine_stopped"},
		{engine.ErrDisabled, "engine_disabled"},
		{fmt.Errorf("%w: %q", engine.ErrUnknownQueue, "x"), "unknown_queue"},
		{errors.New("other"), "error"},
	}
	for _, tt := range tests {
		if got := missReason(tt.err); got != tt.want {
			t.Fatalf("missReason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestReRegisterKeepsOverlapGuard(t *testing.T) {
	t.Parallel()
	eng := engine.New(engine.Config{Enabled: true, Workers: 1}, logx.Nop(), nil)
	eng.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	}()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	slow := func(ctx context.Context) error {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}

	s := New(Config{}, eng, nil, logx.Nop(), nil)
	if err := s.AddOrUpdate("Sync.Run", slow, "@hourly", "", ""); err != nil {
		t.Fatalf("AddOrUpdate: %v", err)
	}
	if err := s.Trigger("Sync.Run"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	<-started

	// Config reload while the first run is still going.
	if err := s.AddOrUpdate("Sync.Run", slow, "*/5 * * * *", "", ""); err != nil {
		t.Fatalf("AddOrUpdate again: %v", err)
	}
	if err := s.Trigger("Sync.Run"); !errors.Is(err, engine.ErrOverlapSkip) {
		t.Fatalf("Trigger during run = %v, want ErrOverlapSkip", err)
	}
	close(release)
}
