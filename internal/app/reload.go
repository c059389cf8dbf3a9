package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"jobhost/internal/config"
	logx "jobhost/pkg/logx"
)

func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig moves the running components from oldCfg to newCfg.
func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, changedJobs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	done := a.notify.Reloading()
	defer done()

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	has := func(s string) bool { return slices.Contains(sections, s) }

	if has("storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if has("logging") {
		a.logs.Apply(mapLoggingConfig(newCfg))
	}
	if has("service") {
		a.notify.Apply(mapNotifyConfig(newCfg))
		a.retention.Store(int64(mapRunRetention(newCfg)))
	}

	// Triggers stop before execution and start after it.
	if has("scheduler") && !newCfg.Scheduler.Enabled {
		a.sched.Apply(mapSchedulerConfig(newCfg))
	}
	if has("task_engine") || has("scheduler") {
		a.applyEngine(c, newCfg)
	}
	if has("scheduler") && newCfg.Scheduler.Enabled {
		a.sched.Apply(mapSchedulerConfig(newCfg))
	}

	// Queue layout and overrides both change what registration accepts.
	if has("jobs") || has("task_engine") {
		if len(changedJobs) > 0 {
			a.log.Info("job overrides changed", logx.Strings("jobs", changedJobs))
		}
		res, err := a.register()
		if err != nil {
			a.log.Warn("re-registration failed", logx.Err(err))
		} else {
			a.notify.Status(statusText(res))
		}
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) applyEngine(c context.Context, newCfg *config.Config) {
	engCfg, err := mapEngineConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
		return
	}
	wasEnabled := a.engine.Enabled()
	a.engine.Apply(c, engCfg)

	switch {
	case wasEnabled && !engCfg.Enabled:
		a.log.Info("task engine disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.engine.Stop(stopCtx)
		cancel()
	case !wasEnabled && engCfg.Enabled:
		a.log.Info("task engine enabled via config")
		a.engine.Start(c)
	}
}
