package jobs

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"jobhost/internal/recurring"
	logx "jobhost/pkg/logx"
)

const TypeHeartbeat = "Heartbeat"

// Heartbeat logs a liveness line with basic runtime stats.
type Heartbeat struct {
	log     logx.Logger
	started time.Time
	beats   atomic.Uint64
}

func NewHeartbeat(deps Deps) *Heartbeat {
	return &Heartbeat{log: deps.logger("heartbeat"), started: time.Now()}
}

func (h *Heartbeat) RecurringJobs() []recurring.Job {
	return []recurring.Job{
		recurring.StaticJob(TypeHeartbeat, "Beat", "*/1 * * * *", h.Beat, recurring.WithTimeout(10*time.Second)),
	}
}

// Beat runs once a minute on the default queue.
func (h *Heartbeat) Beat(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	n := h.beats.Add(1)
	h.log.Info("heartbeat",
		logx.Uint64("beat", n),
		logx.Duration("uptime", time.Since(h.started).Truncate(time.Second)),
		logx.Int("goroutines", runtime.NumGoroutine()),
		logx.Uint64("mem_alloc", m.Alloc),
		logx.Uint64("mem_sys", m.Sys),
	)
	return nil
}

// Beats returns how many beats ran.
func (h *Heartbeat) Beats() uint64 { return h.beats.Load() }
