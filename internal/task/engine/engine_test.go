package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"jobhost/internal/eventbus"
	logx "jobhost/pkg/logx"
)

func startEngine(t *testing.T, cfg Config, bus eventbus.Bus) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, ch <-chan eventbus.Event, typ string) TaskEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev.Data.(TaskEvent)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestEnqueueRoutesByQueue(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(32)
	defer unsub()

	s := startEngine(t, Config{Workers: 1, Queues: map[string]int{"maintenance": 1}}, bus)

	if err := s.Enqueue(Task{Name: "a", Queue: "maintenance", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	ev := waitFor(t, ch, eventbus.TaskFinished)
	if ev.Queue != "maintenance" || ev.Name != "a" || ev.Attempts != 1 {
		t.Fatalf("unexpected event: %#v", ev)
	}

	if err := s.Enqueue(Task{Name: "b", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("Enqueue default: %v", err)
	}
	if ev := waitFor(t, ch, eventbus.TaskFinished); ev.Queue != DefaultQueue {
		t.Fatalf("Queue = %q, want %q", ev.Queue, DefaultQueue)
	}

	err := s.Enqueue(Task{Name: "c", Queue: "nope", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrUnknownQueue) {
		t.Fatalf("Enqueue unknown queue = %v, want ErrUnknownQueue", err)
	}
}

func TestEnqueueValidationAndLifecycle(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue before Start = %v, want ErrStopped", err)
	}
	if err := s.Enqueue(Task{Name: "x"}); err == nil {
		t.Fatal("expected error for nil Run")
	}
	if err := s.Enqueue(Task{Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatal("expected error for empty Name")
	}

	off := New(Config{}, logx.Nop(), nil)
	off.Start(context.Background())
	if err := off.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Enqueue disabled = %v, want ErrDisabled", err)
	}
}

func TestRetriesAndNoRetry(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(32)
	defer unsub()
	s := startEngine(t, Config{Workers: 1, RetryMax: 2}, bus)

	var calls int32
	err := s.Enqueue(Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
		Run: func(context.Context) error {
			if atomic.AddInt32(&calls, 1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if ev := waitFor(t, ch, eventbus.TaskFinished); ev.Attempts != 3 {
		t.Fatalf("Attempts = %d, want 3", ev.Attempts)
	}

	atomic.StoreInt32(&calls, 0)
	permanent := errors.New("bad input")
	_ = s.Enqueue(Task{
		Name: "permanent",
		Run: func(context.Context) error {
			atomic.AddInt32(&calls, 1)
			return NoRetry(permanent)
		},
	})
	ev := waitFor(t, ch, eventbus.TaskFailed)
	if ev.Attempts != 1 || ev.Error != permanent.Error() {
		t.Fatalf("unexpected failure event: %#v", ev)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(32)
	defer unsub()
	s := startEngine(t, Config{Workers: 1}, bus)

	_ = s.Enqueue(Task{Name: "panics", Run: func(context.Context) error { panic("boom") }})
	ev := waitFor(t, ch, eventbus.TaskFailed)
	if ev.Error != "panic: boom" {
		t.Fatalf("Error = %q", ev.Error)
	}

	// The worker survives.
	_ = s.Enqueue(Task{Name: "after", Run: func(context.Context) error { return nil }})
	waitFor(t, ch, eventbus.TaskFinished)
}

func TestOverlapSkipIfRunning(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1}, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	task := Task{
		Name: "slow",
		Opt:  TaskOptions{Overlap: OverlapSkipIfRunning},
		Run: func(context.Context) error {
			close(started)
			<-release
			return nil
		},
	}
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-started
	if err := s.Enqueue(task); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second Enqueue = %v, want ErrOverlapSkip", err)
	}
	close(release)
}

func TestStopReleasesQueuedOverlapGuard(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(32)
	defer unsub()
	s := startEngine(t, Config{Workers: 1}, bus)

	started := make(chan struct{})
	err := s.Enqueue(Task{Name: "busy", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}})
	if err != nil {
		t.Fatalf("Enqueue busy: %v", err)
	}
	<-started

	var runs int32
	st := &RunState{}
	job := Task{
		Name:  "Report.Run",
		Opt:   TaskOptions{Overlap: OverlapSkipIfRunning},
		State: st,
		Run: func(context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		},
	}
	if err := s.Enqueue(job); err != nil {
		t.Fatalf("Enqueue queued: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if ev := waitFor(t, ch, eventbus.TaskDropped); ev.Name != "Report.Run" || ev.Error != "engine_stopped" {
		t.Fatalf("dropped event = %#v", ev)
	}
	if got := s.Snapshot().Dropped; got != 1 {
		t.Fatalf("Dropped = %d, want 1", got)
	}

	s.Start(context.Background())
	if err := s.Enqueue(job); err != nil {
		t.Fatalf("Enqueue after restart = %v", err)
	}
	for {
		if ev := waitFor(t, ch, eventbus.TaskFinished); ev.Name == "Report.Run" {
			break
		}
	}
	if got := atomic.LoadInt32(&runs); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
}

func TestQueueFullDrops(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 1}, nil)

	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{}, 1)
	run := func(context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
		return nil
	}

	_ = s.Enqueue(Task{Name: "a", Run: run})
	<-started
	_ = s.Enqueue(Task{Name: "b", Run: run})
	if err := s.Enqueue(Task{Name: "c", Run: run}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue = %v, want ErrQueueFull", err)
	}
	snap := s.Snapshot()
	if snap.DroppedQueueFull != 1 {
		t.Fatalf("DroppedQueueFull = %d, want 1", snap.DroppedQueueFull)
	}
}

func TestSnapshotQueues(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 3, Queues: map[string]int{"maintenance": 0, "reports": 2}}, nil)
	snap := s.Snapshot()
	if !snap.Running {
		t.Fatal("expected Running")
	}
	want := []QueueStats{
		{Name: "default", Workers: 3, Cap: 256},
		{Name: "maintenance", Workers: 1, Cap: 256},
		{Name: "reports", Workers: 2, Cap: 256},
	}
	if len(snap.Queues) != len(want) {
		t.Fatalf("Queues = %#v", snap.Queues)
	}
	for i := range want {
		if snap.Queues[i] != want[i] {
			t.Fatalf("Queues[%d] = %#v, want %#v", i, snap.Queues[i], want[i])
		}
	}
	if !s.HasQueue("") || !s.HasQueue("reports") || s.HasQueue("nope") {
		t.Fatal("HasQueue mismatch")
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second, RetryJitter: 0.2}
	if d := backoffDelay(opt, 1, nil); d != 100*time.Millisecond {
		t.Fatalf("retry 1 = %v", d)
	}
	if d := backoffDelay(opt, 3, nil); d != 400*time.Millisecond {
		t.Fatalf("retry 3 = %v", d)
	}
	if d := backoffDelay(opt, 10, nil); d != time.Second {
		t.Fatalf("retry 10 = %v, want cap", d)
	}
	if d := backoffDelayWithHint(opt, 1, RetryAfter(errors.New("x"), 5*time.Second), nil); d != time.Second {
		t.Fatalf("hint = %v, want capped to 1s", d)
	}
}

func TestRetryHints(t *testing.T) {
	t.Parallel()
	base := errors.New("database is locked")

	ra := fmt.Errorf("prune: %w", RetryAfter(base, 10*time.Second))
	if d, ok := RetryDelay(ra); !ok || d != 10*time.Second {
		t.Fatalf("RetryDelay = %v, %v", d, ok)
	}
	if IsNoRetry(ra) || !errors.Is(ra, base) {
		t.Fatalf("RetryAfter lost its cause: %v", ra)
	}

	nr := NoRetry(base)
	if !IsNoRetry(nr) || !errors.Is(nr, base) {
		t.Fatalf("NoRetry = %v", nr)
	}
	if _, ok := RetryDelay(nr); ok {
		t.Fatal("NoRetry reported a retry delay")
	}
	if NoRetry(nil) != nil || RetryAfter(nil, time.Second) != nil {
		t.Fatal("nil errors must stay nil")
	}
}
