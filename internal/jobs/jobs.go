// Package jobs holds the recurring jobs shipped with jobhost.
//
// Each job type declares its recurring methods as a recurring.Provider.
// Instance-scoped types are built through Factories.
package jobs

import (
	"time"

	"jobhost/internal/recurring"
	"jobhost/internal/storage"
	"jobhost/internal/task/engine"
	"jobhost/internal/task/scheduler"
	logx "jobhost/pkg/logx"
)

const DefaultRunRetention = 30 * 24 * time.Hour

// EngineView is the read-only engine surface jobs report on.
type EngineView interface {
	Snapshot() engine.Snapshot
}

// SchedulerView is the read-only scheduler surface jobs report on.
type SchedulerView interface {
	Snapshot() scheduler.Snapshot
}

// Deps are the collaborators jobs may use. Any of them may be nil.
type Deps struct {
	Log       logx.Logger
	Store     storage.Store
	Engine    EngineView
	Scheduler SchedulerView

	// Retention returns the current run-history retention. It is a func so
	// config reloads apply without rebuilding instances.
	Retention func() time.Duration
}

func (d Deps) logger(comp string) logx.Logger {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return log.With(logx.String("comp", comp))
}

func (d Deps) retention() time.Duration {
	if d.Retention == nil {
		return DefaultRunRetention
	}
	if r := d.Retention(); r > 0 {
		return r
	}
	return DefaultRunRetention
}

// All returns every job provider, in registration order.
func All(deps Deps) []recurring.Provider {
	return []recurring.Provider{
		NewHeartbeat(deps),
		recurring.ProviderFunc(RunPrunerJobs),
		recurring.ProviderFunc(QueueReportJobs),
	}
}

// Factories builds the instance-scoped job types.
func Factories(deps Deps) recurring.Factories {
	return recurring.Factories{
		TypeRunPruner:   func() (any, error) { return NewRunPruner(deps) },
		TypeQueueReport: func() (any, error) { return NewQueueReport(deps) },
	}
}
