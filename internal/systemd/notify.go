// Package systemd integrates the supervisor with the systemd service
// manager: readiness notification, status lines, and watchdog pings.
// Every call is a no-op when NOTIFY_SOCKET is unset, so the binary runs
// unchanged outside systemd.
package systemd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// NotifyReady tells systemd the service finished starting up.
func NotifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("Failed to notify systemd readiness", "error", err)
		return
	}
	if sent {
		logger.Debug("Notified systemd readiness")
	}
}

// NotifyStopping tells systemd the service began shutting down.
func NotifyStopping(logger *slog.Logger) {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// NotifyStatus publishes a human-readable status line visible in
// systemctl status output.
func NotifyStatus(status string) {
	_, _ = daemon.SdNotify(false, fmt.Sprintf("STATUS=%s", status))
}

// RunWatchdog pings the systemd watchdog at half the configured interval
// until ctx is cancelled. Returns immediately when the watchdog is not
// enabled for this service.
func RunWatchdog(ctx context.Context, logger *slog.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("Cannot read systemd watchdog configuration", "error", err)
		return
	}
	if interval == 0 {
		return
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	logger.Info("Systemd watchdog enabled", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				logger.Warn("Watchdog ping failed", "error", err)
			}
		}
	}
}
