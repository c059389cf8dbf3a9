package jobs

import (
	"context"
	"errors"
	"time"

	"jobhost/internal/recurring"
	"jobhost/internal/storage"
	"jobhost/internal/task/engine"
	logx "jobhost/pkg/logx"
)

const TypeRunPruner = "RunPruner"

// pruneBusyBackoff is how long Prune waits for a locked database.
const pruneBusyBackoff = 30 * time.Second

var errNoStore = errors.New("run pruner: storage disabled")

// RunPruner deletes run history older than the configured retention.
type RunPruner struct {
	log       logx.Logger
	store     storage.Store
	retention func() time.Duration
	now       func() time.Time
}

func NewRunPruner(deps Deps) (*RunPruner, error) {
	if deps.Store == nil {
		return nil, errNoStore
	}
	return &RunPruner{
		log:       deps.logger("pruner"),
		store:     deps.Store,
		retention: deps.retention,
		now:       time.Now,
	}, nil
}

func RunPrunerJobs() []recurring.Job {
	return []recurring.Job{
		recurring.MethodJob(TypeRunPruner, "Prune", "0 3 * * *", recurring.Bind((*RunPruner).Prune),
			recurring.WithQueue("maintenance"),
			recurring.WithTimeout(5*time.Minute),
		),
	}
}

func (p *RunPruner) Prune(ctx context.Context) error {
	keep := p.retention()
	before := p.now().Add(-keep)
	n, err := p.store.PruneRuns(ctx, before)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrDisabled):
			return engine.NoRetry(err)
		case errors.Is(err, storage.ErrBusy):
			return engine.RetryAfter(err, pruneBusyBackoff)
		}
		return err
	}
	lvl := p.log.Debug
	if n > 0 {
		lvl = p.log.Info
	}
	lvl("run history pruned", logx.Int("deleted", n), logx.Duration("retention", keep), logx.Time("before", before))
	return nil
}
