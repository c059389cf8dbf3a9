package jobs

import (
	"context"
	"errors"
	"time"

	"jobhost/internal/recurring"
	logx "jobhost/pkg/logx"
)

const TypeQueueReport = "QueueReport"

// reportWindow is how far back failures are counted.
const reportWindow = 15 * time.Minute

// QueueReport logs queue depth, drop counters and recent failures.
type QueueReport struct {
	log       logx.Logger
	engine    EngineView
	scheduler SchedulerView
	now       func() time.Time
}

func NewQueueReport(deps Deps) (*QueueReport, error) {
	if deps.Engine == nil {
		return nil, errors.New("queue report: engine unavailable")
	}
	return &QueueReport{
		log:       deps.logger("report"),
		engine:    deps.Engine,
		scheduler: deps.Scheduler,
		now:       time.Now,
	}, nil
}

// QueueReportJobs is disabled by default; enable it with a jobs override.
func QueueReportJobs() []recurring.Job {
	return []recurring.Job{
		recurring.MethodJob(TypeQueueReport, "Report", "*/15 * * * *", recurring.Bind((*QueueReport).Report),
			recurring.Disabled(),
		),
	}
}

// ReportSummary is what one Report run observed.
type ReportSummary struct {
	Queued    int
	InFlight  int
	Dropped   uint64
	Failures  int
	Failing   []string
	Schedules int
	Missed    uint64 // scheduler triggers the engine refused
}

func (r *QueueReport) Report(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sum := r.summarize()
	for _, q := range r.engine.Snapshot().Queues {
		r.log.Info("queue", logx.String("queue", q.Name), logx.Int("workers", q.Workers), logx.Int("len", q.Len), logx.Int("cap", q.Cap))
	}
	lvl := r.log.Info
	if sum.Failures > 0 || sum.Missed > 0 {
		lvl = r.log.Warn
	}
	lvl("queue report",
		logx.Int("queued", sum.Queued),
		logx.Int("in_flight", sum.InFlight),
		logx.Uint64("dropped", sum.Dropped),
		logx.Int("failures", sum.Failures),
		logx.Strings("failing", sum.Failing),
		logx.Int("schedules", sum.Schedules),
		logx.Uint64("missed", sum.Missed),
	)
	return nil
}

func (r *QueueReport) summarize() ReportSummary {
	snap := r.engine.Snapshot()
	sum := ReportSummary{InFlight: snap.InFlight, Dropped: snap.Dropped}
	for _, q := range snap.Queues {
		sum.Queued += q.Len
	}

	since := r.now().Add(-reportWindow)
	seen := map[string]bool{}
	for _, h := range snap.History {
		if h.Error == "" || h.Started.Before(since) {
			continue
		}
		sum.Failures++
		if !seen[h.Name] {
			seen[h.Name] = true
			sum.Failing = append(sum.Failing, h.Name)
		}
	}
	if r.scheduler != nil {
		scheds := r.scheduler.Snapshot().Schedules
		sum.Schedules = len(scheds)
		for _, sc := range scheds {
			sum.Missed += sc.Missed
		}
	}
	return sum
}
