package worker

import (
	"context"
	"time"

	"github.com/jwalitptl/notification-hub/pkg/logger"
)

type DeviceSweeper interface {
	SweepInactive(ctx context.Context, maxAgeDays int) (int64, error)
}

type NotificationPurger interface {
	PurgeOld(ctx context.Context, maxAgeDays int) (int64, error)
}

type RetentionConfig struct {
	DeviceInactiveDays int
	NotificationDays   int
	Interval           time.Duration
}

// RetentionWorker removes devices that stopped checking in and read
// notifications past their retention window.
type RetentionWorker struct {
	devices       DeviceSweeper
	notifications NotificationPurger
	config        RetentionConfig
	logger        *logger.Logger
}

func NewRetentionWorker(devices DeviceSweeper, notifications NotificationPurger, config RetentionConfig, log *logger.Logger) *RetentionWorker {
	return &RetentionWorker{
		devices:       devices,
		notifications: notifications,
		config:        config,
		logger:        log,
	}
}

// Start sweeps once immediately and then on every interval until ctx is done.
func (w *RetentionWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	w.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce runs both sweeps. A failure in one does not skip the other.
func (w *RetentionWorker) RunOnce(ctx context.Context) {
	if w.config.DeviceInactiveDays > 0 {
		removed, err := w.devices.SweepInactive(ctx, w.config.DeviceInactiveDays)
		if err != nil {
			w.logger.Error(err, "inactive device sweep failed")
		} else {
			w.logger.Info("inactive devices removed", "count", removed, "days", w.config.DeviceInactiveDays)
		}
	}

	if w.config.NotificationDays > 0 {
		purged, err := w.notifications.PurgeOld(ctx, w.config.NotificationDays)
		if err != nil {
			w.logger.Error(err, "notification purge failed")
		} else {
			w.logger.Info("read notifications purged", "count", purged, "days", w.config.NotificationDays)
		}
	}
}
