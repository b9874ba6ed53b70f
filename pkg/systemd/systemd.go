// Package systemd wraps sd_notify for Type=notify units. Every call is a
// no-op when NOTIFY_SOCKET is unset.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends state changes to the service manager.
type Notifier struct {
	enabled bool
}

func New(enabled bool) *Notifier { return &Notifier{enabled: enabled} }

func (n *Notifier) send(state string) (bool, error) {
	if n == nil || !n.enabled {
		return false, nil
	}
	return daemon.SdNotify(false, state)
}

func (n *Notifier) Ready() (bool, error)     { return n.send(daemon.SdNotifyReady) }
func (n *Notifier) Stopping() (bool, error)  { return n.send(daemon.SdNotifyStopping) }
func (n *Notifier) Reloading() (bool, error) { return n.send(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(msg string) (bool, error) { return n.send("STATUS=" + msg) }

// Watchdog pings the watchdog at half the configured interval until ctx ends.
// It returns immediately when the unit has no WatchdogSec.
func (n *Notifier) Watchdog(ctx context.Context) error {
	if n == nil || !n.enabled {
		return nil
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			_, _ = n.send(daemon.SdNotifyWatchdog)
		}
	}
}
