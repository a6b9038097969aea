package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/internal/repository"
	apperrors "github.com/jwalitptl/notification-hub/pkg/errors"
)

const deviceColumns = `id, user_id, device_type, device_name, live_connection_id, push_endpoint,
	push_subscription, is_online, last_seen, notification_settings, created_at, updated_at`

type deviceRepository struct {
	BaseRepository
}

func NewDeviceRepository(base BaseRepository) repository.DeviceRepository {
	return &deviceRepository{base}
}

// Upsert keys web push devices on (user_id, push_endpoint): registering the
// same subscription again refreshes the existing row instead of adding one.
// Devices without an endpoint are always inserted.
func (r *deviceRepository) Upsert(ctx context.Context, d *model.Device) (*model.Device, error) {
	if d == nil {
		return nil, fmt.Errorf("device cannot be nil")
	}
	now := utc(time.Now())
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}

	query := `
		INSERT INTO devices (
			id, user_id, device_type, device_name, push_endpoint, push_subscription,
			is_online, last_seen, notification_settings, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, TRUE, ?, ?, ?, ?)`
	if d.PushEndpoint != nil {
		query += `
		ON CONFLICT (user_id, push_endpoint) WHERE push_endpoint IS NOT NULL DO UPDATE
		SET device_type = excluded.device_type, device_name = excluded.device_name,
			push_subscription = excluded.push_subscription,
			is_online = TRUE, last_seen = excluded.last_seen, updated_at = excluded.updated_at`
	}
	query += ` RETURNING id`

	var saved model.Device
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		var id uuid.UUID
		err := tx.GetContext(ctx, &id, r.q(query),
			d.ID, d.UserID, d.DeviceType, d.DeviceName, d.PushEndpoint, d.PushSubscription,
			now, d.Settings, now, now)
		if err != nil {
			return fmt.Errorf("failed to upsert device: %w", err)
		}
		if err := tx.GetContext(ctx, &saved, r.q(`SELECT `+deviceColumns+` FROM devices WHERE id = ?`), id); err != nil {
			return fmt.Errorf("failed to read upserted device: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

func (r *deviceRepository) Get(ctx context.Context, id uuid.UUID) (*model.Device, error) {
	var d model.Device
	err := r.db.GetContext(ctx, &d, r.q(`SELECT `+deviceColumns+` FROM devices WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("device", err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return &d, nil
}

func (r *deviceRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, r.q(`DELETE FROM devices WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("device", sql.ErrNoRows)
	}
	return nil
}

func (r *deviceRepository) ListByUser(ctx context.Context, userID string, onlineOnly bool) ([]*model.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE user_id = ?`
	if onlineOnly {
		query += ` AND is_online = TRUE`
	}
	query += ` ORDER BY last_seen DESC`

	devices := []*model.Device{}
	if err := r.db.SelectContext(ctx, &devices, r.q(query), userID); err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

func (r *deviceRepository) SetLiveConnection(ctx context.Context, id uuid.UUID, userID, connectionID string, at time.Time) error {
	at = utc(at)
	res, err := r.db.ExecContext(ctx, r.q(`
		UPDATE devices
		SET is_online = TRUE, live_connection_id = ?, last_seen = ?, updated_at = ?
		WHERE id = ? AND user_id = ?`),
		connectionID, at, at, id, userID)
	if err != nil {
		return fmt.Errorf("failed to set live connection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("device", sql.ErrNoRows)
	}
	return nil
}

// ClearLiveConnection only touches the row still pointing at connectionID, so
// a late disconnect cannot clear a newer connection of the same device.
func (r *deviceRepository) ClearLiveConnection(ctx context.Context, connectionID string, at time.Time) (int64, error) {
	at = utc(at)
	res, err := r.db.ExecContext(ctx, r.q(`
		UPDATE devices
		SET is_online = FALSE, live_connection_id = NULL, last_seen = ?, updated_at = ?
		WHERE live_connection_id = ?`),
		at, at, connectionID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear live connection: %w", err)
	}
	return res.RowsAffected()
}

// ReleaseLiveConnection clears one device's live pointer, but only while it
// still refers to connectionID.
func (r *deviceRepository) ReleaseLiveConnection(ctx context.Context, id uuid.UUID, connectionID string, at time.Time) (int64, error) {
	at = utc(at)
	res, err := r.db.ExecContext(ctx, r.q(`
		UPDATE devices
		SET is_online = FALSE, live_connection_id = NULL, last_seen = ?, updated_at = ?
		WHERE id = ? AND live_connection_id = ?`),
		at, at, id, connectionID)
	if err != nil {
		return 0, fmt.Errorf("failed to release live connection: %w", err)
	}
	return res.RowsAffected()
}

func (r *deviceRepository) FindByConnection(ctx context.Context, connectionID string) (*model.Device, error) {
	var d model.Device
	err := r.db.GetContext(ctx, &d, r.q(`SELECT `+deviceColumns+` FROM devices WHERE live_connection_id = ? LIMIT 1`), connectionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("device", err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find device by connection: %w", err)
	}
	return &d, nil
}

func (r *deviceRepository) UpdateSettings(ctx context.Context, id uuid.UUID, settings model.Settings) error {
	res, err := r.db.ExecContext(ctx, r.q(`
		UPDATE devices SET notification_settings = ?, updated_at = ? WHERE id = ?`),
		settings, utc(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update device settings: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("device", sql.ErrNoRows)
	}
	return nil
}

func (r *deviceRepository) DeleteInactive(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.q(`DELETE FROM devices WHERE last_seen < ?`), utc(before))
	if err != nil {
		return 0, fmt.Errorf("failed to delete inactive devices: %w", err)
	}
	return res.RowsAffected()
}
