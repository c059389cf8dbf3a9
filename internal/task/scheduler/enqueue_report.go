package scheduler

import (
	"errors"
	"sync/atomic"
	"time"

	"jobhost/internal/task/engine"
	logx "jobhost/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// triggerStats counts triggers that did not produce a run. It survives
// AddOrUpdate of the same id, like the overlap guard.
type triggerStats struct {
	skipped atomic.Uint64 // previous run still queued or running
	missed  atomic.Uint64 // queue full, engine stopped, unknown queue
}

// missReason names why the engine refused a trigger.
func missReason(err error) string {
	switch {
	case errors.Is(err, engine.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, engine.ErrStopped), errors.Is(err, engine.ErrStopping):
		return "engine_stopped"
	case errors.Is(err, engine.ErrDisabled):
		return "engine_disabled"
	case errors.Is(err, engine.ErrUnknownQueue):
		return "unknown_queue"
	default:
		return "error"
	}
}

func (s *Service) noteEnqueueFailure(d *scheduleDef, err error) {
	if err == nil {
		return
	}
	// Overlap skips are normal for jobs that run longer than their interval.
	if errors.Is(err, engine.ErrOverlapSkip) {
		n := d.stats.skipped.Add(1)
		s.log.Debug("schedule trigger skipped", logx.String("schedule", d.id), logx.Uint64("skipped", n))
		return
	}
	missed := d.stats.missed.Add(1)

	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[d.id]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[d.id] = now
	s.enqMu.Unlock()

	s.log.Warn("schedule trigger missed",
		logx.String("schedule", d.id),
		logx.String("queue", d.queue),
		logx.String("reason", missReason(err)),
		logx.Uint64("missed", missed),
		logx.Err(err),
	)
}
