package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"jobhost/internal/eventbus"
	"jobhost/internal/storage"
	"jobhost/internal/task/engine"
	logx "jobhost/pkg/logx"
)

var (
	ErrInvalidID       = errors.New("schedule id required")
	ErrInvalidCron     = errors.New("invalid cron expression")
	ErrInvalidTimeZone = errors.New("invalid time zone")
	ErrNotFound        = errors.New("schedule not found")
)

// LocalZone is the time zone id that means "the scheduler's default zone".
const LocalZone = "Local"

// Config controls the trigger service.
type Config struct {
	Enabled bool
	// Timezone is the IANA zone used for schedules registered with an empty or
	// "Local" zone. Empty means the process local zone.
	Timezone string
}

// Engine is the part of the task engine the scheduler enqueues into.
type Engine interface {
	Enqueue(t engine.Task) error
	HasQueue(name string) bool
}

type scheduleDef struct {
	id       string
	spec     string // normalized, as given to the parser
	timeZone string // "Local" or an IANA id
	queue    string
	sched    cron.Schedule
	job      func(ctx context.Context) error
	entryID  cron.EntryID
	state    *engine.RunState
	stats    *triggerStats
	updated  time.Time
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	engine Engine
	store  storage.Store

	parser cron.Parser
	c      *cron.Cron
	defs   map[string]*scheduleDef

	// Enqueue error throttling: key is schedule id.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type ScheduleInfo struct {
	ID       string
	Spec     string
	TimeZone string
	Queue    string
	Updated  time.Time
	Next     time.Time
	Prev     time.Time
	Skipped  uint64 // triggers skipped by the overlap guard
	Missed   uint64 // triggers the engine refused
}

type Snapshot struct {
	Enabled   bool
	Running   bool
	Timezone  string
	Schedules []ScheduleInfo
}

// RegisteredEvent is published on the bus for recurring.registered and
// recurring.removed.
type RegisteredEvent struct {
	ID       string `json:"id"`
	Spec     string `json:"spec,omitempty"`
	TimeZone string `json:"time_zone,omitempty"`
	Queue    string `json:"queue,omitempty"`
}
