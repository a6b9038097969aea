package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/notification-hub/internal/model"
)

// All repository interfaces in one file
type (
	DeviceRepository interface {
		// Upsert updates the user's device with the same push endpoint when
		// there is one and inserts a new row otherwise.
		Upsert(ctx context.Context, device *model.Device) (*model.Device, error)
		Get(ctx context.Context, id uuid.UUID) (*model.Device, error)
		Delete(ctx context.Context, id uuid.UUID) error
		ListByUser(ctx context.Context, userID string, onlineOnly bool) ([]*model.Device, error)
		SetLiveConnection(ctx context.Context, id uuid.UUID, userID, connectionID string, at time.Time) error
		ClearLiveConnection(ctx context.Context, connectionID string, at time.Time) (int64, error)
		ReleaseLiveConnection(ctx context.Context, id uuid.UUID, connectionID string, at time.Time) (int64, error)
		FindByConnection(ctx context.Context, connectionID string) (*model.Device, error)
		UpdateSettings(ctx context.Context, id uuid.UUID, settings model.Settings) error
		DeleteInactive(ctx context.Context, before time.Time) (int64, error)
	}

	NotificationRepository interface {
		Create(ctx context.Context, n *model.Notification) error
		Get(ctx context.Context, id uuid.UUID) (*model.Notification, error)
		// MarkRead flips the read flag once and returns the stored row. An empty
		// userID matches any owner.
		MarkRead(ctx context.Context, id uuid.UUID, userID string, at time.Time) (*model.Notification, error)
		MarkAllRead(ctx context.Context, userID string, at time.Time) (int64, error)
		ListUnread(ctx context.Context, userID string, limit int) ([]*model.Notification, error)
		History(ctx context.Context, userID string, filter model.HistoryFilter) ([]*model.Notification, error)
		CountUnread(ctx context.Context, userID string) (int, error)
		DeleteReadBefore(ctx context.Context, before time.Time) (int64, error)
	}

	DeliveryStatusRepository interface {
		Create(ctx context.Context, ds *model.DeliveryStatus) error
		Get(ctx context.Context, id uuid.UUID) (*model.DeliveryStatus, error)
		MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
		MarkFailed(ctx context.Context, id uuid.UUID, detail string) (bool, error)
		MarkClicked(ctx context.Context, notificationID, deviceID uuid.UUID, at time.Time) (int64, error)
		ListByNotification(ctx context.Context, notificationID uuid.UUID) ([]*model.DeliveryStatus, error)
	}
)
