package engine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultQueue always exists, even when Config.Queues doesn't name it.
const DefaultQueue = "default"

// Config controls the task execution engine.
type Config struct {
	Enabled bool

	// Workers is the worker count of the default queue.
	Workers int
	// Queues maps extra queue names to their worker counts.
	Queues map[string]int
	// QueueSize is the buffer capacity of every queue.
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that have been queued longer than this duration.
	// 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration

	HistorySize int
	RetryMax    int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// queueWorkers returns the effective queue -> workers layout, default queue included.
func (c Config) queueWorkers() map[string]int {
	out := map[string]int{DefaultQueue: c.Workers}
	for name, n := range c.Queues {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if n <= 0 {
			n = 1
		}
		out[name] = n
	}
	return out
}

// QueueNames returns the sorted names of all queues the config defines.
func (c Config) QueueNames() []string {
	qw := c.withDefaults().queueWorkers()
	out := make([]string, 0, len(qw))
	for name := range qw {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	OverlapSkipIfRunning
)

type TaskOptions struct {
	Overlap       OverlapPolicy
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	if o.RetryMax <= 0 {
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	if o.Overlap != OverlapAllow && o.Overlap != OverlapSkipIfRunning {
		o.Overlap = OverlapSkipIfRunning
	}
	return o
}

// RunState tracks whether a task is already in-flight.
// "SkipIfRunning" means skip if running OR already queued, so a schedule that
// triggers faster than execution can't pile up the queue.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

type HistoryItem struct {
	ID         string
	Name       string
	Queue      string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Attempts   int
	Error      string
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Queue      string        `json:"queue"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// Task is a unit of work executed by the engine.
//
// Name identifies the job (recurring tasks use the recurring job id).
// Queue selects the worker pool; empty means DefaultQueue.
// SkipIfRunning uses State (if provided) to gate overlap.
type Task struct {
	ID      string
	Name    string
	Queue   string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     TaskOptions
	State   *RunState
}

// QueueStats is a per-queue diagnostics view.
type QueueStats struct {
	Name    string
	Workers int
	Len     int
	Cap     int
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled  bool
	Running  bool
	InFlight int
	Queues   []QueueStats

	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64

	DefaultTimeout time.Duration
	MaxQueueDelay  time.Duration
	RetryMax       int

	History []HistoryItem
}
