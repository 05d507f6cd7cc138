// Package systemd reports service state to systemd (sd_notify) and feeds
// its watchdog. Outside a systemd unit every call is a no-op.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"relaybot/pkg/logx"
)

type Notifier struct {
	log      logx.Logger
	notify   func(unsetEnv bool, state string) (bool, error)
	watchdog func(unsetEnv bool) (time.Duration, error)
}

func New(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		log:      log.With(logx.String("comp", "systemd")),
		notify:   daemon.SdNotify,
		watchdog: daemon.SdWatchdogEnabled,
	}
}

func (n *Notifier) send(state string) bool {
	ok, err := n.notify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return ok
}

// Ready tells systemd that startup finished (Type=notify units).
func (n *Notifier) Ready() {
	if n.send(daemon.SdNotifyReady) {
		n.log.Debug("readiness reported")
	}
}

func (n *Notifier) Reloading() { n.send(daemon.SdNotifyReloading) }

// Reloaded reports the end of a reload.
func (n *Notifier) Reloaded() { n.send(daemon.SdNotifyReady) }

func (n *Notifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(s string) { n.send("STATUS=" + s) }

// Watchdog pings the systemd watchdog at half its interval until ctx is
// done. healthy gates each ping so a wedged process is restarted; nil means
// always healthy. It returns at once when the watchdog is not enabled.
func (n *Notifier) Watchdog(ctx context.Context, healthy func() bool) {
	interval, err := n.watchdog(false)
	if err != nil {
		n.log.Warn("watchdog query failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	tick := interval / 2
	n.log.Info("watchdog enabled", logx.Duration("interval", interval))
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy != nil && !healthy() {
				n.log.Warn("unhealthy, skipping watchdog ping")
				continue
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
