package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"jobhost/internal/eventbus"
	"jobhost/internal/storage"
	"jobhost/internal/task/engine"
	logx "jobhost/pkg/logx"
)

const storeTimeout = 5 * time.Second

// AddOrUpdate registers run under id, replacing any schedule with the same id.
//
// spec is a cron expression (5 or 6 fields, @descriptor, @every) or an interval
// accepted by ParseSchedule. timeZone "" or "Local" means the scheduler's zone;
// queue "" means engine.DefaultQueue.
func (s *Service) AddOrUpdate(id string, run func(ctx context.Context) error, spec, timeZone, queue string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrInvalidID
	}
	if run == nil {
		return fmt.Errorf("schedule %q: run func is nil", id)
	}
	queue = strings.TrimSpace(queue)
	if queue == "" {
		queue = engine.DefaultQueue
	}
	comp, err := Compile(spec, timeZone)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", id, err)
	}
	if s.engine != nil && !s.engine.HasQueue(queue) {
		return fmt.Errorf("schedule %q: %w: %q", id, engine.ErrUnknownQueue, queue)
	}

	now := time.Now()
	d := &scheduleDef{
		id:       id,
		spec:     comp.Spec,
		timeZone: comp.TimeZone,
		queue:    queue,
		sched:    comp.Schedule,
		job:      run,
		state:    &engine.RunState{},
		stats:    &triggerStats{},
		updated:  now,
	}

	s.mu.Lock()
	// A run of the old definition may still be queued or in flight.
	if old := s.defs[id]; old != nil {
		d.state = old.state
		d.stats = old.stats
	}
	replaced := s.removeLocked(id)
	s.defs[id] = d
	if s.c != nil {
		s.scheduleLocked(d, now)
	}
	if s.log.Enabled(logx.LevelDebug) {
		loc := s.loc
		if loc == nil {
			loc = s.loadLocationLocked()
		}
		s.log.Debug("schedule registered",
			logx.String("id", id),
			logx.String("spec", d.spec),
			logx.String("tz", d.timeZone),
			logx.String("queue", queue),
			logx.Bool("replaced", replaced),
			logx.String("next", previewNext(comp.Schedule, loc, 3)),
		)
	}
	s.mu.Unlock()

	s.persist(storage.RecurringRecord{ID: id, Cron: d.spec, TimeZone: d.timeZone, Queue: queue, UpdatedAt: now})
	s.publish(eventbus.RecurringRegistered, RegisteredEvent{ID: id, Spec: d.spec, TimeZone: d.timeZone, Queue: queue})
	return nil
}

// Remove unschedules id. It returns true if something was removed.
// Safe to call when the scheduler is not started.
func (s *Service) Remove(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	s.mu.Lock()
	removed := s.removeLocked(id)
	s.mu.Unlock()

	if !removed {
		return false
	}
	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := s.store.DeleteRecurring(ctx, id); err != nil {
			s.log.Warn("recurring row delete failed", logx.String("id", id), logx.Err(err))
		}
		cancel()
	}
	s.publish(eventbus.RecurringRemoved, RegisteredEvent{ID: id})
	s.log.Debug("schedule removed", logx.String("id", id))
	return true
}

// Trigger enqueues id immediately, outside its schedule.
func (s *Service) Trigger(id string) error {
	s.mu.Lock()
	d := s.defs[strings.TrimSpace(id)]
	s.mu.Unlock()
	if d == nil {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if s.engine == nil {
		return engine.ErrStopped
	}
	return s.engine.Enqueue(s.taskFor(d))
}

// IDs returns the registered schedule ids.
func (s *Service) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.defs))
	for id := range s.defs {
		out = append(out, id)
	}
	return out
}

// removeLocked drops id from defs and from the running cron. Call with s.mu held.
func (s *Service) removeLocked(id string) bool {
	d, ok := s.defs[id]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, id)
	return true
}

// scheduleLocked adds d to the running cron. Call with s.mu held.
func (s *Service) scheduleLocked(d *scheduleDef, now time.Time) {
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	sched := withStartupSpread(Compiled{Spec: d.id + "|" + d.spec, Schedule: d.sched}, now.In(loc))
	d.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.fire(d) }))
}

func (s *Service) fire(d *scheduleDef) {
	if s.engine == nil {
		return
	}
	if err := s.engine.Enqueue(s.taskFor(d)); err != nil {
		s.noteEnqueueFailure(d, err)
	}
}

func (s *Service) taskFor(d *scheduleDef) engine.Task {
	return engine.Task{
		Name:  d.id,
		Queue: d.queue,
		Run:   d.job,
		// Scheduled runs skip while a previous run is queued or in-flight.
		Opt:   engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning},
		State: d.state,
	}
}

func (s *Service) persist(r storage.RecurringRecord) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.store.UpsertRecurring(ctx, r); err != nil && !errors.Is(err, storage.ErrDisabled) {
		s.log.Warn("recurring row upsert failed", logx.String("id", r.ID), logx.Err(err))
	}
}

func (s *Service) publish(typ string, ev RegisteredEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}
