// Package service integrates jobhost with systemd: readiness and status
// notifications, the watchdog keepalive, and unit status over D-Bus.
package service

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "jobhost/pkg/logx"
)

type NotifyConfig struct {
	// Notify sends READY/STATUS/STOPPING. Default true.
	Notify bool
	// Watchdog sends WATCHDOG=1 keepalives when WatchdogSec is set. Default true.
	Watchdog bool
}

// Notifier talks to systemd over NOTIFY_SOCKET. Every method is a no-op when
// the process was not started by systemd.
type Notifier struct {
	log logx.Logger

	mu  sync.Mutex
	cfg NotifyConfig

	notify    func(state string) (bool, error)
	watchdog  func() (time.Duration, error)
	monotonic func() int64

	warned bool
}

func NewNotifier(cfg NotifyConfig, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		log:      log.With(logx.String("comp", "systemd")),
		cfg:      cfg,
		notify:    func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		watchdog:  func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
		monotonic: monotonicUsec,
	}
}

func (n *Notifier) Apply(cfg NotifyConfig) {
	n.mu.Lock()
	n.cfg = cfg
	n.mu.Unlock()
}

func (n *Notifier) Ready(status string) {
	n.send(daemon.SdNotifyReady, statusLine(status))
}

func (n *Notifier) Status(status string) {
	n.send(statusLine(status))
}

// Reloading brackets a config reload; call done when the new config is live.
// Type=notify-reload units need MONOTONIC_USEC alongside RELOADING=1.
func (n *Notifier) Reloading() (done func()) {
	var stamp string
	if usec := n.monotonic(); usec > 0 {
		stamp = "MONOTONIC_USEC=" + strconv.FormatInt(usec, 10)
	}
	n.send(daemon.SdNotifyReloading, stamp)
	return func() { n.send(daemon.SdNotifyReady) }
}

func (n *Notifier) Stopping(status string) {
	n.send(daemon.SdNotifyStopping, statusLine(status))
}

func (n *Notifier) send(lines ...string) {
	n.mu.Lock()
	enabled := n.cfg.Notify
	n.mu.Unlock()
	if !enabled {
		return
	}

	parts := lines[:0:0]
	for _, l := range lines {
		if l != "" {
			parts = append(parts, l)
		}
	}
	if len(parts) == 0 {
		return
	}

	sent, err := n.notify(strings.Join(parts, "\n"))
	if err != nil {
		n.mu.Lock()
		first := !n.warned
		n.warned = true
		n.mu.Unlock()
		if first {
			n.log.Warn("sd_notify failed", logx.Err(err))
		}
		return
	}
	if sent {
		n.log.Trace("sd_notify", logx.Strings("state", parts))
	}
}

// WatchdogInterval returns the keepalive period (half of WatchdogSec), or 0
// when the watchdog is off.
func (n *Notifier) WatchdogInterval() time.Duration {
	n.mu.Lock()
	enabled := n.cfg.Watchdog
	n.mu.Unlock()
	if !enabled {
		return 0
	}
	d, err := n.watchdog()
	if err != nil {
		n.log.Warn("watchdog env invalid", logx.Err(err))
		return 0
	}
	if d <= 0 {
		return 0
	}
	return d / 2
}

// RunWatchdog sends keepalives until ctx is done. healthy gates each ping;
// a nil healthy always pings.
func (n *Notifier) RunWatchdog(ctx context.Context, healthy func() bool) error {
	every := n.WatchdogInterval()
	if every <= 0 {
		return nil
	}
	n.log.Info("watchdog enabled", logx.Duration("interval", every))

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				n.log.Warn("watchdog ping withheld: unhealthy")
				continue
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}

func statusLine(s string) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	if s == "" {
		return ""
	}
	return "STATUS=" + s
}
