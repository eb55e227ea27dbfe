// Package systemd reports service state to the systemd manager: readiness,
// a one-line status, watchdog pings and stopping. Everything is a no-op when
// the process was not started by systemd with NOTIFY_SOCKET set.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"relaybot/pkg/logx"
)

type Notifier struct {
	log logx.Logger
	// send is daemon.SdNotify; replaced in tests.
	send func(unsetEnv bool, state string) (bool, error)
}

func New(log logx.Logger) *Notifier {
	return &Notifier{log: log.Or().Component("systemd"), send: daemon.SdNotify}
}

func (n *Notifier) notify(state string) bool {
	ok, err := n.send(false, state)
	if err != nil {
		n.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
	return ok
}

func (n *Notifier) Ready() bool { return n.notify(daemon.SdNotifyReady) }

func (n *Notifier) Stopping() bool { return n.notify(daemon.SdNotifyStopping) }

func (n *Notifier) Status(s string) bool { return n.notify("STATUS=" + s) }

// Watchdog pings at half the configured WatchdogSec until ctx ends. It
// returns immediately when no watchdog is configured.
func (n *Notifier) Watchdog(ctx context.Context) {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return
	}
	every /= 2
	n.log.Debug("watchdog enabled", logx.Duration("every", every))
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.notify(daemon.SdNotifyWatchdog)
		}
	}
}
