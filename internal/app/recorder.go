package app

import (
	"context"
	"errors"
	"time"

	"jobhost/internal/eventbus"
	"jobhost/internal/storage"
	"jobhost/internal/task/engine"
	logx "jobhost/pkg/logx"
)

const recordTimeout = 3 * time.Second

// runRecorder mirrors finished tasks into storage: one run row per task and
// the last-run outcome on the recurring row.
type runRecorder struct {
	log   logx.Logger
	store storage.Store
}

func (r *runRecorder) loop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			r.handle(ctx, e)
		}
	}
}

func (r *runRecorder) handle(ctx context.Context, e eventbus.Event) {
	if e.Type != eventbus.TaskFinished && e.Type != eventbus.TaskFailed {
		return
	}
	ev, ok := e.Data.(engine.TaskEvent)
	if !ok || r.store == nil {
		return
	}

	c, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()

	if err := r.store.AppendRun(c, storage.RunRecord{
		TaskID:     ev.ID,
		JobID:      ev.Name,
		Queue:      ev.Queue,
		Started:    ev.Started,
		QueueDelay: ev.QueueDelay,
		Duration:   ev.Duration,
		Attempts:   ev.Attempts,
		Error:      ev.Error,
	}); err != nil {
		r.log.Warn("run record failed", logx.String("job", ev.Name), logx.Err(err))
	}

	// Ad-hoc tasks have no recurring row.
	err := r.store.MarkRecurringRun(c, ev.Name, ev.Started.Add(ev.Duration), ev.Error)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		r.log.Warn("recurring run update failed", logx.String("job", ev.Name), logx.Err(err))
	}
}
