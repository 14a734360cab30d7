// Package systemd reports service state to systemd through sd_notify.
// Every call is a no-op when the process is not started by systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends sd_notify messages. The zero value uses the real socket.
type Notifier struct {
	// notify replaces daemon.SdNotify in tests.
	notify func(state string) (bool, error)
}

func (n Notifier) send(state string) (bool, error) {
	if n.notify != nil {
		return n.notify(state)
	}
	return daemon.SdNotify(false, state)
}

// Ready tells systemd startup finished. It reports whether a socket was found.
func (n Notifier) Ready() (bool, error) { return n.send(daemon.SdNotifyReady) }

func (n Notifier) Stopping() (bool, error) { return n.send(daemon.SdNotifyStopping) }

func (n Notifier) Reloading() (bool, error) { return n.send(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func (n Notifier) Status(msg string) (bool, error) { return n.send("STATUS=" + msg) }

// WatchdogInterval returns half the configured WatchdogSec, or 0 when the
// watchdog is off.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// RunWatchdog pings systemd every interval until ctx is done. healthy gates
// each ping; a nil func always pings.
func (n Notifier) RunWatchdog(ctx context.Context, interval time.Duration, healthy func() bool) error {
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				continue
			}
			if _, err := n.send(daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
