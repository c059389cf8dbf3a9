package app

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"
	"time"

	"jobhost/internal/config"
	"jobhost/internal/jobs"
	"jobhost/internal/recurring"
	"jobhost/internal/task/engine"
	"jobhost/internal/task/scheduler"
	logx "jobhost/pkg/logx"
)

// CheckedJob is one registration accepted by a dry run.
type CheckedJob struct {
	ID       string
	Cron     string
	TimeZone string
	Queue    string
	Next     time.Time
}

// checkSink validates registrations the way the scheduler would, without
// scheduling anything.
type checkSink struct {
	engine engine.Config
	loc    *time.Location
	now    time.Time
	jobs   map[string]CheckedJob
}

func (s *checkSink) AddOrUpdate(id string, run func(ctx context.Context) error, cron, timeZone, queue string) error {
	if strings.TrimSpace(id) == "" {
		return scheduler.ErrInvalidID
	}
	if run == nil {
		return fmt.Errorf("%s: run is nil", id)
	}
	c, err := scheduler.Compile(cron, timeZone)
	if err != nil {
		return err
	}
	q := strings.TrimSpace(queue)
	if q == "" {
		q = engine.DefaultQueue
	}
	if !slices.Contains(s.engine.QueueNames(), q) {
		return fmt.Errorf("%w: %s", engine.ErrUnknownQueue, q)
	}
	now := s.now
	if c.TimeZone == scheduler.LocalZone {
		now = now.In(s.loc)
	}
	s.jobs[id] = CheckedJob{ID: id, Cron: c.Spec, TimeZone: c.TimeZone, Queue: q, Next: c.Schedule.Next(now)}
	return nil
}

func (s *checkSink) Remove(id string) bool {
	_, ok := s.jobs[id]
	delete(s.jobs, id)
	return ok
}

// Check loads cfgPath and runs a registration pass against a dry-run sink.
// Instance types are only checked for a factory; nothing is constructed.
func Check(cfgPath string, w io.Writer, extra ...recurring.Provider) (recurring.Result, error) {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return recurring.Result{}, err
	}
	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return recurring.Result{}, err
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" && tz != scheduler.LocalZone {
		if loc, err = time.LoadLocation(tz); err != nil {
			return recurring.Result{}, fmt.Errorf("scheduler.timezone: %w", err)
		}
	}

	deps := jobs.Deps{Log: logx.Nop()}
	sink := &checkSink{engine: engCfg, loc: loc, now: time.Now(), jobs: map[string]CheckedJob{}}
	r := recurring.New(
		recurring.WithLogger(logx.Nop()),
		recurring.WithInstances(recurring.PerCall(jobs.Factories(deps))),
		recurring.WithRemoveDisabled(true),
		recurring.WithOverrides(mapOverrides(cfg)),
	)
	res, err := r.Register(recurring.Collect(append(jobs.All(deps), extra...)...), sink)
	if err != nil {
		return res, err
	}
	writeCheckReport(w, sink.jobs, res)
	return res, nil
}

func writeCheckReport(w io.Writer, checked map[string]CheckedJob, res recurring.Result) {
	ids := make([]string, 0, len(checked))
	for id := range checked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		j := checked[id]
		fmt.Fprintf(w, "ok      %-24s %-16s %-14s tz=%s next=%s\n", j.ID, j.Cron, j.Queue, j.TimeZone, j.Next.Format(time.RFC3339))
	}
	for _, id := range res.Skipped {
		fmt.Fprintf(w, "skip    %s (disabled)\n", id)
	}
	for _, f := range res.Failures {
		fmt.Fprintf(w, "FAIL    %s: %v\n", f.ID, f.Err)
	}
	for _, id := range res.Duplicates {
		fmt.Fprintf(w, "warn    %s declared more than once\n", id)
	}
	for _, id := range res.UnmatchedOverrides {
		fmt.Fprintf(w, "warn    jobs.%s matches no job\n", id)
	}
	reg, skip, failed := res.Counts()
	fmt.Fprintf(w, "%d registered, %d skipped, %d failed\n", reg, skip, failed)
}
