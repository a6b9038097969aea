package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/internal/repository"
	apperrors "github.com/jwalitptl/notification-hub/pkg/errors"
	"github.com/jwalitptl/notification-hub/pkg/logger"
	"github.com/jwalitptl/notification-hub/pkg/metrics"
	"github.com/jwalitptl/notification-hub/pkg/validator"
)

const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// Service is the notification store: notifications and their per-device
// delivery rows. It never talks to a transport.
type Service struct {
	repo       repository.NotificationRepository
	deliveries repository.DeliveryStatusRepository
	validator  validator.Validator
	metrics    *metrics.Metrics
	logger     *logger.Logger
}

func NewService(repo repository.NotificationRepository, deliveries repository.DeliveryStatusRepository, m *metrics.Metrics, log *logger.Logger) *Service {
	return &Service{
		repo:       repo,
		deliveries: deliveries,
		validator:  validator.New(),
		metrics:    m,
		logger:     log,
	}
}

func (s *Service) Create(ctx context.Context, userID string, input model.NotificationInput) (*model.Notification, error) {
	if userID == "" {
		return nil, apperrors.Validation("userId is required", nil)
	}
	if err := s.validator.Validate(input); err != nil {
		return nil, apperrors.Validation(err.Error(), err)
	}

	n := &model.Notification{
		UserID:    userID,
		Type:      input.Type,
		Title:     input.Title,
		Body:      input.Body,
		Data:      input.Data,
		TargetURL: input.TargetURL,
		Priority:  input.Priority,
		CreatedAt: time.Now(),
	}
	if n.Priority == "" {
		n.Priority = model.PriorityNormal
	}
	if n.Data == nil {
		n.Data = model.Payload{}
	}

	if err := s.repo.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("failed to create notification: %w", err)
	}
	s.metrics.NotificationsCreated.Inc()
	return n, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*model.Notification, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) CreateDeliveryStatus(ctx context.Context, notificationID, deviceID uuid.UUID) (*model.DeliveryStatus, error) {
	ds := &model.DeliveryStatus{NotificationID: notificationID, DeviceID: deviceID}
	if err := s.deliveries.Create(ctx, ds); err != nil {
		return nil, err
	}
	return ds, nil
}

func (s *Service) MarkDelivered(ctx context.Context, deliveryID uuid.UUID) error {
	moved, err := s.deliveries.MarkDelivered(ctx, deliveryID, time.Now())
	if err != nil {
		return err
	}
	if !moved {
		s.logger.Debug("delivery not in sent state, left unchanged", "delivery_id", deliveryID.String())
	}
	return nil
}

func (s *Service) MarkFailed(ctx context.Context, deliveryID uuid.UUID, detail string) error {
	moved, err := s.deliveries.MarkFailed(ctx, deliveryID, detail)
	if err != nil {
		return err
	}
	if !moved {
		s.logger.Debug("delivery not in sent state, left unchanged", "delivery_id", deliveryID.String())
	}
	return nil
}

// MarkClicked moves the device's delivery rows to clicked and then marks the
// notification read.
func (s *Service) MarkClicked(ctx context.Context, notificationID, deviceID uuid.UUID, userID string) (*model.Notification, error) {
	if _, err := s.deliveries.MarkClicked(ctx, notificationID, deviceID, time.Now()); err != nil {
		return nil, err
	}
	return s.MarkRead(ctx, notificationID, userID)
}

// MarkRead is idempotent: a notification that is already read keeps its
// original read time and is returned as stored.
func (s *Service) MarkRead(ctx context.Context, notificationID uuid.UUID, userID string) (*model.Notification, error) {
	if notificationID == uuid.Nil {
		return nil, apperrors.Validation("notificationId is required", nil)
	}
	return s.repo.MarkRead(ctx, notificationID, userID, time.Now())
}

func (s *Service) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, apperrors.Validation("userId is required", nil)
	}
	return s.repo.MarkAllRead(ctx, userID, time.Now())
}

func (s *Service) Unread(ctx context.Context, userID string, limit int) ([]*model.Notification, error) {
	if userID == "" {
		return nil, apperrors.Validation("userId is required", nil)
	}
	return s.repo.ListUnread(ctx, userID, clampLimit(limit))
}

func (s *Service) History(ctx context.Context, userID string, filter model.HistoryFilter) ([]*model.Notification, error) {
	if userID == "" {
		return nil, apperrors.Validation("userId is required", nil)
	}
	filter.Limit = clampLimit(filter.Limit)
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.repo.History(ctx, userID, filter)
}

func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, apperrors.Validation("userId is required", nil)
	}
	return s.repo.CountUnread(ctx, userID)
}

// PurgeOld deletes read notifications older than maxAgeDays.
func (s *Service) PurgeOld(ctx context.Context, maxAgeDays int) (int64, error) {
	if maxAgeDays <= 0 {
		return 0, apperrors.Validation("maxAgeDays must be positive", nil)
	}
	n, err := s.repo.DeleteReadBefore(ctx, time.Now().AddDate(0, 0, -maxAgeDays))
	if err != nil {
		return 0, err
	}
	s.metrics.NotificationsPurged.Add(float64(n))
	return n, nil
}

func (s *Service) DeliveryStatuses(ctx context.Context, notificationID uuid.UUID) ([]*model.DeliveryStatus, error) {
	if _, err := s.repo.Get(ctx, notificationID); err != nil {
		return nil, err
	}
	return s.deliveries.ListByNotification(ctx, notificationID)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
