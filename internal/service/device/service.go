package device

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

// Reasons recorded when a device is removed.
const (
	RemovedByUser     = "unregistered"
	RemovedPushGone   = "push_gone"
	RemovedByInactive = "inactive"
)

// EndpointRegistrar turns a native mobile push token into a provider endpoint.
type EndpointRegistrar interface {
	CreateEndpoint(ctx context.Context, platform, token string) (string, error)
}

type Service struct {
	repo      repository.DeviceRepository
	endpoints EndpointRegistrar
	validator validator.Validator
	metrics   *metrics.Metrics
	logger    *logger.Logger
}

// NewService builds the device registry. endpoints may be nil when no mobile
// push provider is configured; mobile tokens are then ignored.
func NewService(repo repository.DeviceRepository, endpoints EndpointRegistrar, m *metrics.Metrics, log *logger.Logger) *Service {
	return &Service{
		repo:      repo,
		endpoints: endpoints,
		validator: validator.New(),
		metrics:   m,
		logger:    log,
	}
}

func (s *Service) Register(ctx context.Context, userID string, info model.DeviceInfo) (*model.Device, error) {
	if userID == "" {
		return nil, apperrors.Validation("userId is required", nil)
	}
	if err := s.validator.Validate(info); err != nil {
		return nil, apperrors.Validation(err.Error(), err)
	}

	d := &model.Device{
		UserID:           userID,
		DeviceType:       info.DeviceType,
		DeviceName:       info.DeviceName,
		PushSubscription: info.PushSubscription,
	}
	if d.DeviceType == "" {
		d.DeviceType = model.DeviceTypeWeb
	}

	if d.PushSubscription == nil && info.FCMToken != "" {
		sub, err := s.mobileSubscription(ctx, info)
		if err != nil {
			return nil, err
		}
		d.PushSubscription = sub
	}
	if d.PushSubscription != nil {
		endpoint := d.PushSubscription.Endpoint
		d.PushEndpoint = &endpoint
	}

	device, err := s.repo.Upsert(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("failed to register device: %w", err)
	}

	s.logger.Info("device registered",
		"device_id", device.ID.String(),
		"user_id", userID,
		"device_type", string(device.DeviceType),
		"push", device.CanPush(),
	)
	return device, nil
}

func (s *Service) mobileSubscription(ctx context.Context, info model.DeviceInfo) (*model.PushSubscription, error) {
	if s.endpoints == nil {
		s.logger.Warn("mobile push token ignored, no mobile push provider configured")
		return nil, nil
	}

	platform := info.Platform
	if platform == "" {
		platform = "android"
	}
	arn, err := s.endpoints.CreateEndpoint(ctx, platform, info.FCMToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create push endpoint: %w", err)
	}
	return &model.PushSubscription{Provider: model.ProviderSNS, Endpoint: arn}, nil
}

// Unregister deletes the device. A missing device is reported as not found.
func (s *Service) Unregister(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.metrics.DevicesRemoved.WithLabelValues(RemovedByUser).Inc()
	s.logger.Info("device unregistered", "device_id", id.String())
	return nil
}

// RemoveGone drops a device whose push subscription the provider reported as
// permanently invalid. Already removed devices are ignored.
func (s *Service) RemoveGone(ctx context.Context, id uuid.UUID) error {
	err := s.repo.Delete(ctx, id)
	if apperrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	s.metrics.DevicesRemoved.WithLabelValues(RemovedPushGone).Inc()
	s.logger.Info("device removed after permanent push failure", "device_id", id.String())
	return nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*model.Device, error) {
	return s.repo.Get(ctx, id)
}

// ListDevices returns the user's devices, most recently seen first.
func (s *Service) ListDevices(ctx context.Context, userID string, onlineOnly bool) ([]*model.Device, error) {
	if userID == "" {
		return nil, apperrors.Validation("userId is required", nil)
	}
	return s.repo.ListByUser(ctx, userID, onlineOnly)
}

func (s *Service) SetLiveConnection(ctx context.Context, deviceID uuid.UUID, userID, connectionID string) error {
	if userID == "" || connectionID == "" {
		return apperrors.Validation("userId and connectionId are required", nil)
	}
	return s.repo.SetLiveConnection(ctx, deviceID, userID, connectionID, time.Now())
}

// ClearLiveConnection marks the device holding connectionID offline. It is a
// no-op when no device holds that connection anymore.
func (s *Service) ClearLiveConnection(ctx context.Context, connectionID string) error {
	n, err := s.repo.ClearLiveConnection(ctx, connectionID, time.Now())
	if err != nil {
		return err
	}
	if n == 0 {
		s.logger.Debug("no device held connection", "connection_id", connectionID)
	}
	return nil
}

// ReleaseLiveConnection marks deviceID offline if it is still live on
// connectionID. It is used when a connection switches to another identity.
func (s *Service) ReleaseLiveConnection(ctx context.Context, deviceID uuid.UUID, connectionID string) error {
	n, err := s.repo.ReleaseLiveConnection(ctx, deviceID, connectionID, time.Now())
	if err != nil {
		return err
	}
	if n == 0 {
		s.logger.Debug("device no longer held connection", "device_id", deviceID.String(), "connection_id", connectionID)
	}
	return nil
}

// FindByConnection returns nil, nil when no device holds the connection.
func (s *Service) FindByConnection(ctx context.Context, connectionID string) (*model.Device, error) {
	d, err := s.repo.FindByConnection(ctx, connectionID)
	if apperrors.IsNotFound(err) {
		return nil, nil
	}
	return d, err
}

func (s *Service) SweepInactive(ctx context.Context, maxAgeDays int) (int64, error) {
	if maxAgeDays <= 0 {
		return 0, apperrors.Validation("maxAgeDays must be positive", nil)
	}
	cutoff := time.Now().AddDate(0, 0, -maxAgeDays)
	n, err := s.repo.DeleteInactive(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	s.metrics.DevicesRemoved.WithLabelValues(RemovedByInactive).Add(float64(n))
	return n, nil
}

func (s *Service) Settings(ctx context.Context, id uuid.UUID) (model.Settings, error) {
	d, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Settings == nil {
		return model.Settings{}, nil
	}
	return d.Settings, nil
}

func (s *Service) UpdateSettings(ctx context.Context, id uuid.UUID, settings model.Settings) (model.Settings, error) {
	if settings == nil {
		return nil, apperrors.Validation("settings are required", nil)
	}
	if err := s.repo.UpdateSettings(ctx, id, settings); err != nil {
		return nil, err
	}
	return settings, nil
}
