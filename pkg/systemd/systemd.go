// Package systemd reports service state to the systemd manager through the
// sd_notify socket. Every call is a no-op when NOTIFY_SOCKET is unset.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "taskd/pkg/logx"
)

// Ready tells systemd startup finished (Type=notify units).
func Ready(log logx.Logger) {
	notify(log, daemon.SdNotifyReady)
}

// Stopping tells systemd shutdown began.
func Stopping(log logx.Logger) {
	notify(log, daemon.SdNotifyStopping)
}

// Status publishes a free-form status line shown by systemctl status.
func Status(log logx.Logger, msg string) {
	notify(log, "STATUS="+msg)
}

// Watchdog pings the watchdog at half the configured WatchdogSec until ctx
// ends. It returns immediately when the unit has no watchdog.
func Watchdog(ctx context.Context, log logx.Logger) {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("systemd watchdog lookup failed", logx.Err(err))
		return
	}
	if every <= 0 {
		return
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			notify(log, daemon.SdNotifyWatchdog)
		}
	}
}

func notify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify", logx.String("state", state))
	}
}
