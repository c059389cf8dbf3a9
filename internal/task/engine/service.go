package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"jobhost/internal/eventbus"
	rtsup "jobhost/internal/runtime/supervisor"
	logx "jobhost/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	queues map[string]chan queuedTask

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	inFlight int32

	stateMu sync.Mutex
	states  map[string]*RunState

	hmu     sync.Mutex
	history []HistoryItem

	idSeq uint64

	dropped          uint64
	droppedQueueFull uint64
	droppedStale     uint64

	lastQueueFullWarnAt int64
	lastStaleWarnAt     int64
}

type queuedTask struct {
	task Task

	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions

	state *RunState
	track bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log,
		bus:    bus,
		states: make(map[string]*RunState),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// HasQueue reports whether name is served by the current config.
func (s *Service) HasQueue(name string) bool {
	name = normalizeQueue(name)
	s.mu.Lock()
	_, ok := s.cfg.queueWorkers()[name]
	s.mu.Unlock()
	return ok
}

func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if !running {
		return
	}

	// Queue layout changes need fresh channels and workers.
	if prev.QueueSize != cfg.QueueSize || !reflect.DeepEqual(prev.queueWorkers(), cfg.queueWorkers()) {
		s.log.Info("queue layout changed; restarting workers")
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		return
	}

	// Start is idempotent.
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	layout := cfg.queueWorkers()
	s.queues = make(map[string]chan queuedTask, len(layout))
	for name := range layout {
		s.queues[name] = make(chan queuedTask, cfg.QueueSize)
	}
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	queues := s.queues

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// A broken worker should not hard-kill the host.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	total := 0
	for name, workers := range layout {
		queue := queues[name]
		for i := 0; i < workers; i++ {
			idx := total
			total++
			sup.GoRestart(fmt.Sprintf("worker.%s.%d", name, i), func(c context.Context) error {
				s.worker(c, stopCh, queue, idx)
				select {
				case <-stopCh:
					return context.Canceled
				default:
				}
				if c.Err() != nil {
					return c.Err()
				}
				return errors.New("worker exited unexpectedly")
			}, rtsup.WithPublishFirstError(true))
		}
	}

	s.log.Info("task engine started", logx.Int("workers", total), logx.Int("queues", len(queues)), logx.Int("queue_size", cfg.QueueSize))
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	queues := s.queues
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		// Workers are gone; whatever is still queued will never run.
		n := s.dropQueued(queues)
		s.mu.Lock()
		s.queues = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		if n > 0 {
			s.log.Warn("task engine stopped with queued tasks", logx.Int("dropped", n))
		}
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue queues t without blocking. A full queue drops the task and
// returns ErrQueueFull.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return fmt.Errorf("task Run is nil")
	}
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return fmt.Errorf("task Name is required")
	}
	t.Name = name
	t.Queue = normalizeQueue(t.Queue)

	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = s.newTaskID(now)
	}

	s.mu.Lock()
	cfg := s.cfg
	q := s.queues[t.Queue]
	running := s.queues != nil && s.stopCh != nil
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if !cfg.Enabled {
		return ErrDisabled
	}
	if !running {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}
	if q == nil {
		return fmt.Errorf("%w: %q", ErrUnknownQueue, t.Queue)
	}

	timeout := t.Timeout
	if timeout <= 0 && cfg.DefaultTimeout > 0 {
		timeout = cfg.DefaultTimeout
	}
	opt := t.Opt.withDefaults(cfg)

	st := t.State
	if st == nil {
		st = s.stateFor(t.Name)
	}

	track := false
	if opt.Overlap == OverlapSkipIfRunning {
		track = true
		if !st.tryAcquire() {
			s.publish(eventbus.TaskSkipped, TaskEvent{ID: t.ID, Name: t.Name, Queue: t.Queue, Started: now, Error: "overlap_skip"})
			s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("id", t.ID))
			return ErrOverlapSkip
		}
	}

	qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout, opt: opt, state: st, track: track}
	select {
	case q <- qt:
		return nil
	default:
		if track {
			st.release()
		}
		s.onQueueFullDropped(now, t, q)
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	layout := cfg.queueWorkers()
	queues := s.queues
	s.mu.Unlock()

	stats := make([]QueueStats, 0, len(layout))
	for name, workers := range layout {
		qs := QueueStats{Name: name, Workers: workers}
		if q := queues[name]; q != nil {
			qs.Len = len(q)
			qs.Cap = cap(q)
		}
		stats = append(stats, qs)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Enabled:          cfg.Enabled,
		Running:          queues != nil,
		InFlight:         int(atomic.LoadInt32(&s.inFlight)),
		Queues:           stats,
		Dropped:          atomic.LoadUint64(&s.dropped),
		DroppedQueueFull: atomic.LoadUint64(&s.droppedQueueFull),
		DroppedStale:     atomic.LoadUint64(&s.droppedStale),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		RetryMax:         cfg.RetryMax,
		History:          h,
	}
}

func (s *Service) stateFor(name string) *RunState {
	key := strings.TrimSpace(name)
	s.stateMu.Lock()
	st := s.states[key]
	if st == nil {
		st = &RunState{}
		s.states[key] = st
	}
	s.stateMu.Unlock()
	return st
}

func (s *Service) newTaskID(now time.Time) string {
	seq := atomic.AddUint64(&s.idSeq, 1)
	return fmt.Sprintf("tsk-%x-%x", now.UnixNano(), seq)
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func (s *Service) recordHistory(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

func (s *Service) onQueueFullDropped(now time.Time, t Task, q chan queuedTask) {
	atomic.AddUint64(&s.dropped, 1)
	atomic.AddUint64(&s.droppedQueueFull, 1)

	s.publish(eventbus.TaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Queue: t.Queue, Started: now, Error: "queue_full"})

	if s.shouldWarn(&s.lastQueueFullWarnAt, now) {
		s.log.Warn(
			"task dropped: queue full",
			logx.String("task", t.Name),
			logx.String("queue", t.Queue),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", atomic.LoadUint64(&s.droppedQueueFull)),
		)
	}
}

// dropQueued empties queues after the workers have exited, releasing the
// overlap guard of every tracked task so the next trigger is not skipped.
func (s *Service) dropQueued(queues map[string]chan queuedTask) int {
	n := 0
	now := time.Now()
	for _, q := range queues {
	drain:
		for {
			select {
			case qt := <-q:
				if qt.track && qt.state != nil {
					qt.state.release()
				}
				n++
				atomic.AddUint64(&s.dropped, 1)
				t := qt.task
				s.publish(eventbus.TaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Queue: t.Queue, Started: now, QueueDelay: now.Sub(qt.enqueuedAt), Error: "engine_stopped"})
			default:
				break drain
			}
		}
	}
	return n
}

func (s *Service) onStaleDropped(now time.Time, t Task, queueDelay time.Duration) {
	atomic.AddUint64(&s.dropped, 1)
	atomic.AddUint64(&s.droppedStale, 1)

	s.publish(eventbus.TaskDropped, TaskEvent{ID: t.ID, Name: t.Name, Queue: t.Queue, Started: now, QueueDelay: queueDelay, Error: "stale_queue_delay"})

	if s.shouldWarn(&s.lastStaleWarnAt, now) {
		s.log.Warn(
			"task dropped: stale queue",
			logx.String("task", t.Name),
			logx.String("queue", t.Queue),
			logx.Duration("queue_delay", queueDelay),
			logx.Uint64("dropped_stale", atomic.LoadUint64(&s.droppedStale)),
		)
	}
}

func normalizeQueue(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultQueue
	}
	return name
}
