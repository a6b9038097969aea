package badge

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/internal/realtime"
	"github.com/jwalitptl/notification-hub/pkg/logger"
)

type Broadcaster interface {
	BroadcastToUser(ctx context.Context, userID, event string, data interface{})
}

// Store is the subset of the notification store that changes read state.
type Store interface {
	MarkRead(ctx context.Context, notificationID uuid.UUID, userID string) (*model.Notification, error)
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	MarkClicked(ctx context.Context, notificationID, deviceID uuid.UUID, userID string) (*model.Notification, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
}

// Service applies read-state changes and keeps every live device of the
// user in sync with them. Sync messages are best effort.
type Service struct {
	store  Store
	hub    Broadcaster
	logger *logger.Logger
}

func NewService(store Store, hub Broadcaster, log *logger.Logger) *Service {
	return &Service{store: store, hub: hub, logger: log}
}

// UpdateBadgeCount recomputes the unread count and pushes it to the user's
// live devices.
func (s *Service) UpdateBadgeCount(ctx context.Context, userID string) (int, error) {
	count, err := s.store.UnreadCount(ctx, userID)
	if err != nil {
		return 0, err
	}
	s.hub.BroadcastToUser(ctx, userID, realtime.EventBadgeUpdate, map[string]int{"count": count})
	return count, nil
}

func (s *Service) MarkRead(ctx context.Context, notificationID uuid.UUID, userID string) (*model.Notification, error) {
	n, err := s.store.MarkRead(ctx, notificationID, userID)
	if err != nil {
		return nil, err
	}
	s.syncRead(ctx, n)
	return n, nil
}

func (s *Service) MarkClicked(ctx context.Context, notificationID, deviceID uuid.UUID, userID string) (*model.Notification, error) {
	n, err := s.store.MarkClicked(ctx, notificationID, deviceID, userID)
	if err != nil {
		return nil, err
	}
	s.syncRead(ctx, n)
	return n, nil
}

func (s *Service) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	count, err := s.store.MarkAllRead(ctx, userID)
	if err != nil {
		return 0, err
	}
	s.hub.BroadcastToUser(ctx, userID, realtime.EventAllRead, map[string]interface{}{
		"timestamp": time.Now().UTC(),
		"count":     count,
	})
	s.refresh(ctx, userID)
	return count, nil
}

func (s *Service) syncRead(ctx context.Context, n *model.Notification) {
	s.hub.BroadcastToUser(ctx, n.UserID, realtime.EventReadSync, map[string]interface{}{
		"notificationId": n.ID,
		"readAt":         n.ReadAt,
	})
	s.refresh(ctx, n.UserID)
}

func (s *Service) refresh(ctx context.Context, userID string) {
	if _, err := s.UpdateBadgeCount(ctx, userID); err != nil {
		s.logger.Error(err, "failed to update badge count", "user_id", userID)
	}
}
