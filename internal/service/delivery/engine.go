package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/internal/push"
	apperrors "github.com/jwalitptl/notification-hub/pkg/errors"
	"github.com/jwalitptl/notification-hub/pkg/logger"
	"github.com/jwalitptl/notification-hub/pkg/metrics"
)

type Devices interface {
	ListDevices(ctx context.Context, userID string, onlineOnly bool) ([]*model.Device, error)
	RemoveGone(ctx context.Context, id uuid.UUID) error
}

type Store interface {
	Create(ctx context.Context, userID string, input model.NotificationInput) (*model.Notification, error)
	CreateDeliveryStatus(ctx context.Context, notificationID, deviceID uuid.UUID) (*model.DeliveryStatus, error)
	MarkDelivered(ctx context.Context, deliveryID uuid.UUID) error
	MarkFailed(ctx context.Context, deliveryID uuid.UUID, detail string) error
}

// Live is the realtime channel as seen by the engine.
type Live interface {
	Deliver(connectionID string, deviceID uuid.UUID, n *model.Notification) bool
}

type Badges interface {
	UpdateBadgeCount(ctx context.Context, userID string) (int, error)
}

// Attempt outcomes.
const (
	OutcomeDelivered   = "delivered"
	OutcomeUnreachable = "unreachable"
	OutcomeFailed      = "failed"
	OutcomeGone        = "gone"
	OutcomeNoChannel   = "no_channel"
	OutcomeMuted       = "muted"
	OutcomeStoreError  = "store_error"
)

const channelNone = "none"

type Options struct {
	// MaxRetries bounds extra push attempts after a transient failure. Zero
	// disables retries.
	MaxRetries   int
	RetryInitial time.Duration
	RetryMax     time.Duration
	// MaxConcurrency caps parallel device attempts per notification; zero
	// means one goroutine per device.
	MaxConcurrency int
	Assets         push.Assets
}

// Attempt is the observed outcome of delivering one notification to one device.
type Attempt struct {
	DeviceID uuid.UUID
	Channel  string
	Outcome  string
	Err      error
}

type Engine struct {
	store   Store
	devices Devices
	live    Live
	pusher  push.Sender
	badges  Badges
	opts    Options
	metrics *metrics.Metrics
	logger  *logger.Logger
}

// NewEngine wires the engine. live, pusher and badges may be nil when the
// corresponding channel is not available.
func NewEngine(store Store, devices Devices, live Live, pusher push.Sender, badges Badges, opts Options, m *metrics.Metrics, log *logger.Logger) *Engine {
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 500 * time.Millisecond
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 5 * time.Second
	}
	return &Engine{
		store:   store,
		devices: devices,
		live:    live,
		pusher:  pusher,
		badges:  badges,
		opts:    opts,
		metrics: m,
		logger:  log,
	}
}

// SendNotification persists the notification and delivers it to every device
// of the user. Only a persistence failure is returned; per-device outcomes are
// recorded as delivery statuses.
func (e *Engine) SendNotification(ctx context.Context, userID string, input model.NotificationInput) (*model.Notification, error) {
	n, err := e.store.Create(ctx, userID, input)
	if err != nil {
		return nil, err
	}

	// The fan-out runs to completion even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	devices, err := e.devices.ListDevices(ctx, userID, false)
	if err != nil {
		e.logger.Error(err, "failed to list devices, notification stored without delivery",
			"notification_id", n.ID.String(), "user_id", userID)
		return n, nil
	}
	if len(devices) == 0 {
		e.logger.Debug("no devices registered", "user_id", userID, "notification_id", n.ID.String())
		return n, nil
	}

	e.fanOut(ctx, n, devices)

	if e.badges != nil {
		if _, err := e.badges.UpdateBadgeCount(ctx, userID); err != nil {
			e.logger.Error(err, "failed to update badge count", "user_id", userID)
		}
	}
	return n, nil
}

func (e *Engine) fanOut(ctx context.Context, n *model.Notification, devices []*model.Device) []Attempt {
	start := time.Now()
	msg := push.NewMessage(n, e.opts.Assets)

	p := pool.NewWithResults[Attempt]()
	if e.opts.MaxConcurrency > 0 {
		p = p.WithMaxGoroutines(e.opts.MaxConcurrency)
	}
	for _, d := range devices {
		d := d
		p.Go(func() (a Attempt) {
			defer func() {
				if r := recover(); r != nil {
					a = Attempt{DeviceID: d.ID, Channel: channelNone, Outcome: OutcomeFailed, Err: fmt.Errorf("panic: %v", r)}
				}
			}()
			return e.attempt(ctx, n, d, msg)
		})
	}
	attempts := p.Wait()

	e.metrics.FanoutDuration.Observe(time.Since(start).Seconds())
	delivered := 0
	for _, a := range attempts {
		if a.Outcome == OutcomeDelivered {
			delivered++
		}
		if a.Err != nil {
			e.logger.Warn("delivery attempt failed",
				"notification_id", n.ID.String(),
				"device_id", a.DeviceID.String(),
				"channel", a.Channel,
				"outcome", a.Outcome,
				"error", a.Err.Error(),
			)
			continue
		}
		e.logger.Debug("delivery attempt finished",
			"notification_id", n.ID.String(),
			"device_id", a.DeviceID.String(),
			"channel", a.Channel,
			"outcome", a.Outcome,
		)
	}
	e.logger.Info("notification fanned out",
		"notification_id", n.ID.String(),
		"user_id", n.UserID,
		"devices", len(devices),
		"delivered", delivered,
	)
	return attempts
}

// attempt owns the delivery row it creates; every transition of that row is
// issued from here.
func (e *Engine) attempt(ctx context.Context, n *model.Notification, d *model.Device, msg push.Message) Attempt {
	ds, err := e.store.CreateDeliveryStatus(ctx, n.ID, d.ID)
	if err != nil {
		return e.record(Attempt{DeviceID: d.ID, Channel: channelNone, Outcome: OutcomeStoreError, Err: err})
	}

	if !d.Settings.Allows(n.Type) {
		return e.record(Attempt{DeviceID: d.ID, Channel: channelNone, Outcome: OutcomeMuted})
	}

	if e.live != nil && d.HasLiveConnection() {
		if e.live.Deliver(*d.LiveConnectionID, d.ID, n) {
			return e.record(Attempt{
				DeviceID: d.ID,
				Channel:  metrics.ChannelRealtime,
				Outcome:  OutcomeDelivered,
				Err:      e.store.MarkDelivered(ctx, ds.ID),
			})
		}
		e.metrics.DeliveryAttempts.WithLabelValues(metrics.ChannelRealtime, OutcomeUnreachable).Inc()
	}

	if e.pusher == nil || !d.CanPush() {
		return e.record(Attempt{DeviceID: d.ID, Channel: channelNone, Outcome: OutcomeNoChannel})
	}

	res := e.sendPush(ctx, *d.PushSubscription, msg)
	if res.Success() {
		return e.record(Attempt{
			DeviceID: d.ID,
			Channel:  metrics.ChannelPush,
			Outcome:  OutcomeDelivered,
			Err:      e.store.MarkDelivered(ctx, ds.ID),
		})
	}

	a := Attempt{DeviceID: d.ID, Channel: metrics.ChannelPush, Outcome: OutcomeFailed, Err: errors.New(res.Detail())}
	if err := e.store.MarkFailed(ctx, ds.ID, res.Detail()); err != nil {
		a.Err = errors.Join(a.Err, err)
	}
	if res.Permanent() {
		a.Outcome = OutcomeGone
		if err := e.devices.RemoveGone(ctx, d.ID); err != nil {
			a.Err = errors.Join(a.Err, err)
		}
	}
	return e.record(a)
}

func (e *Engine) record(a Attempt) Attempt {
	e.metrics.DeliveryAttempts.WithLabelValues(a.Channel, a.Outcome).Inc()
	return a
}

// sendPush retries transient failures with exponential backoff when retries
// are enabled. Permanent failures are never retried.
func (e *Engine) sendPush(ctx context.Context, sub model.PushSubscription, msg push.Message) push.Result {
	if e.opts.MaxRetries <= 0 {
		return e.pusher.Send(ctx, sub, msg)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.opts.RetryInitial
	bo.MaxInterval = e.opts.RetryMax
	bo.MaxElapsedTime = 0

	var res push.Result
	_ = backoff.Retry(func() error {
		res = e.pusher.Send(ctx, sub, msg)
		switch {
		case res.Success():
			return nil
		case res.Permanent():
			return backoff.Permanent(errors.New(res.Detail()))
		default:
			return errors.New(res.Detail())
		}
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(e.opts.MaxRetries)), ctx))
	return res
}

// BulkResult summarises a multi-user send.
type BulkResult struct {
	Successful int          `json:"successful"`
	Failed     int          `json:"failed"`
	Results    []UserResult `json:"results"`
}

type UserResult struct {
	UserID         string     `json:"userId"`
	NotificationID *uuid.UUID `json:"notificationId,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// SendToMultipleUsers sends the same notification to each user independently.
func (e *Engine) SendToMultipleUsers(ctx context.Context, userIDs []string, input model.NotificationInput) (BulkResult, error) {
	if len(userIDs) == 0 {
		return BulkResult{}, apperrors.Validation("userIds are required", nil)
	}

	p := pool.NewWithResults[UserResult]()
	for _, userID := range userIDs {
		userID := userID
		p.Go(func() (r UserResult) {
			r.UserID = userID
			defer func() {
				if rec := recover(); rec != nil {
					r.Error = fmt.Sprintf("panic: %v", rec)
				}
			}()
			n, err := e.SendNotification(ctx, userID, input)
			if err != nil {
				r.Error = err.Error()
				return r
			}
			r.NotificationID = &n.ID
			return r
		})
	}

	out := BulkResult{Results: p.Wait()}
	for _, r := range out.Results {
		if r.Error != "" {
			out.Failed++
			e.metrics.BulkSends.WithLabelValues("failed").Inc()
			e.logger.Warn("bulk send failed for user", "user_id", r.UserID, "error", r.Error)
			continue
		}
		out.Successful++
		e.metrics.BulkSends.WithLabelValues("successful").Inc()
	}
	e.logger.Info("bulk notification sent", "successful", out.Successful, "failed", out.Failed)
	return out, nil
}

// SendTestNotification sends a fixed system notification so a user can check
// their devices end to end.
func (e *Engine) SendTestNotification(ctx context.Context, userID string) (*model.Notification, error) {
	return e.SendNotification(ctx, userID, model.NotificationInput{
		Type:      "system_test",
		Title:     "Test Notification",
		Body:      "This is a test notification.",
		Priority:  model.PriorityNormal,
		TargetURL: "/dashboard",
		Data: model.Payload{
			"test":      true,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	})
}
