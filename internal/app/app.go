// Package app is the composition root: it wires config, logging, storage, the
// task engine, the scheduler and the recurring job registrar into one
// process and keeps them in sync with config reloads.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"jobhost/internal/config"
	"jobhost/internal/eventbus"
	"jobhost/internal/jobs"
	"jobhost/internal/recurring"
	rtsup "jobhost/internal/runtime/supervisor"
	"jobhost/internal/service"
	"jobhost/internal/storage"
	"jobhost/internal/task/engine"
	"jobhost/internal/task/scheduler"
	logx "jobhost/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine *engine.Service
	sched  *scheduler.Service
	notify *service.Notifier

	providers []recurring.Provider
	instances recurring.InstancePolicy

	// retention is read by RunPruner on every run; nanoseconds.
	retention atomic.Int64

	regMu      sync.Mutex
	lastResult recurring.Result
}

// New loads cfgPath and builds every component. Built-in jobs are always
// registered; extra providers are appended after them.
func New(cfgPath string, extra ...recurring.Provider) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, fmt.Errorf("open storage: %w", err)
		}
		store = st
		appLog.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)
	schedSvc := scheduler.New(mapSchedulerConfig(cfg), engineSvc, store, log.With(logx.String("comp", "scheduler")), bus)

	a := &App{
		cfgm:   cfgm,
		log:    appLog,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		engine: engineSvc,
		sched:  schedSvc,
		notify: service.NewNotifier(mapNotifyConfig(cfg), log),
	}
	a.retention.Store(int64(mapRunRetention(cfg)))

	deps := jobs.Deps{
		Log:       log.With(logx.String("comp", "jobs")),
		Store:     store,
		Engine:    engineSvc,
		Scheduler: schedSvc,
		Retention: func() time.Duration { return time.Duration(a.retention.Load()) },
	}
	a.providers = append(jobs.All(deps), extra...)
	a.instances = recurring.Cached(jobs.Factories(deps))
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// LastResult returns the outcome of the latest registration pass.
func (a *App) LastResult() recurring.Result {
	a.regMu.Lock()
	defer a.regMu.Unlock()
	return a.lastResult
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapEngineConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	// Subscribe before anything can run so no finished task is missed.
	if a.store != nil {
		events, unsub := a.bus.Subscribe(256)
		rec := &runRecorder{log: a.log.With(logx.String("comp", "recorder")), store: a.store}
		a.sup.Go0("runs.record", func(c context.Context) {
			defer unsub()
			rec.loop(c, events)
		})
	}

	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}

	res, err := a.register()
	if err != nil {
		return err
	}
	a.pruneStaleRecords(a.sup.Context())

	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.GoRestart("systemd.watchdog", func(c context.Context) error {
		return a.notify.RunWatchdog(c, a.healthy)
	})

	a.notify.Ready(statusText(res))
	a.log.Info("app started", logx.String("status", statusText(res)))
	return nil
}

// register runs one registration pass with the current overrides.
func (a *App) register() (recurring.Result, error) {
	a.regMu.Lock()
	defer a.regMu.Unlock()

	cfg := a.cfgm.Get()
	r := recurring.New(
		recurring.WithLogger(a.log.With(logx.String("comp", "registrar"))),
		recurring.WithInstances(a.instances),
		recurring.WithDefaultTimeZone(recurring.DefaultTimeZone),
		recurring.WithRemoveDisabled(true),
		recurring.WithOverrides(mapOverrides(cfg)),
	)
	res, err := r.Register(recurring.Collect(a.providers...), a.sched)
	if err != nil {
		return recurring.Result{}, err
	}
	a.lastResult = res
	return res, nil
}

// pruneStaleRecords drops persisted rows for jobs this build no longer has.
func (a *App) pruneStaleRecords(ctx context.Context) {
	if a.store == nil {
		return
	}
	c, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := a.store.ListRecurring(c)
	if err != nil {
		a.log.Warn("list recurring records failed", logx.Err(err))
		return
	}
	live := map[string]bool{}
	for _, id := range a.sched.IDs() {
		live[id] = true
	}
	for _, r := range rows {
		if live[r.ID] {
			continue
		}
		if err := a.store.DeleteRecurring(c, r.ID); err != nil {
			a.log.Warn("delete stale recurring record failed", logx.String("id", r.ID), logx.Err(err))
			continue
		}
		a.log.Info("stale recurring record removed", logx.String("id", r.ID))
	}
}

// healthy gates watchdog pings: a supervisor failure or a scheduler that
// should be running but isn't withholds them.
func (a *App) healthy() bool {
	if a.sup != nil && a.sup.Err() != nil {
		return false
	}
	if a.sched.Enabled() && !a.sched.Running() {
		return false
	}
	return true
}

func statusText(res recurring.Result) string {
	reg, skip, failed := res.Counts()
	s := fmt.Sprintf("%d jobs scheduled, %d disabled", reg, skip)
	if failed > 0 {
		s += fmt.Sprintf(", %d failed (%s)", failed, strings.Join(failedIDs(res), ","))
	}
	return s
}

func failedIDs(res recurring.Result) []string {
	out := make([]string, 0, len(res.Failures))
	for _, f := range res.Failures {
		out = append(out, f.ID)
	}
	return out
}
