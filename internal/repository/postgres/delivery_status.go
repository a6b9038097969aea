package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/internal/repository"
	apperrors "github.com/jwalitptl/notification-hub/pkg/errors"
)

const deliveryColumns = `id, notification_id, device_id, status, error_message, delivered_at, clicked_at, created_at`

type deliveryStatusRepository struct {
	BaseRepository
}

func NewDeliveryStatusRepository(base BaseRepository) repository.DeliveryStatusRepository {
	return &deliveryStatusRepository{base}
}

func (r *deliveryStatusRepository) Create(ctx context.Context, ds *model.DeliveryStatus) error {
	if ds == nil {
		return fmt.Errorf("delivery status cannot be nil")
	}
	if ds.ID == uuid.Nil {
		ds.ID = uuid.New()
	}
	ds.Status = model.DeliverySent
	ds.CreatedAt = utc(time.Now())

	_, err := r.db.ExecContext(ctx, r.q(`
		INSERT INTO delivery_statuses (id, notification_id, device_id, status, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		ds.ID, ds.NotificationID, ds.DeviceID, ds.Status, ds.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create delivery status: %w", err)
	}
	return nil
}

func (r *deliveryStatusRepository) Get(ctx context.Context, id uuid.UUID) (*model.DeliveryStatus, error) {
	var ds model.DeliveryStatus
	err := r.db.GetContext(ctx, &ds, r.q(`SELECT `+deliveryColumns+` FROM delivery_statuses WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("delivery status", err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery status: %w", err)
	}
	return &ds, nil
}

// MarkDelivered and MarkFailed only move rows that are still in the sent
// state; the boolean reports whether a transition happened.
func (r *deliveryStatusRepository) MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.q(`
		UPDATE delivery_statuses SET status = ?, delivered_at = ?
		WHERE id = ? AND status = ?`),
		model.DeliveryDelivered, utc(at), id, model.DeliverySent)
	if err != nil {
		return false, fmt.Errorf("failed to mark delivery delivered: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *deliveryStatusRepository) MarkFailed(ctx context.Context, id uuid.UUID, detail string) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.q(`
		UPDATE delivery_statuses SET status = ?, error_message = ?
		WHERE id = ? AND status = ?`),
		model.DeliveryFailed, detail, id, model.DeliverySent)
	if err != nil {
		return false, fmt.Errorf("failed to mark delivery failed: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkClicked moves every sent or delivered row of the pair to clicked. A row
// clicked straight from sent gets its delivered_at filled in as well.
func (r *deliveryStatusRepository) MarkClicked(ctx context.Context, notificationID, deviceID uuid.UUID, at time.Time) (int64, error) {
	at = utc(at)
	res, err := r.db.ExecContext(ctx, r.q(`
		UPDATE delivery_statuses
		SET status = ?, clicked_at = ?, delivered_at = COALESCE(delivered_at, ?)
		WHERE notification_id = ? AND device_id = ? AND status IN (?, ?)`),
		model.DeliveryClicked, at, at, notificationID, deviceID,
		model.DeliverySent, model.DeliveryDelivered)
	if err != nil {
		return 0, fmt.Errorf("failed to mark delivery clicked: %w", err)
	}
	return res.RowsAffected()
}

func (r *deliveryStatusRepository) ListByNotification(ctx context.Context, notificationID uuid.UUID) ([]*model.DeliveryStatus, error) {
	statuses := []*model.DeliveryStatus{}
	err := r.db.SelectContext(ctx, &statuses, r.q(`
		SELECT `+deliveryColumns+` FROM delivery_statuses
		WHERE notification_id = ?
		ORDER BY created_at ASC`), notificationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list delivery statuses: %w", err)
	}
	return statuses, nil
}
