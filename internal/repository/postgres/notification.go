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

const notificationColumns = `id, user_id, type, title, body, data, target_url, priority, is_read, read_at, created_at`

type notificationRepository struct {
	BaseRepository
}

func NewNotificationRepository(base BaseRepository) repository.NotificationRepository {
	return &notificationRepository{base}
}

func (r *notificationRepository) Create(ctx context.Context, n *model.Notification) error {
	if n == nil {
		return fmt.Errorf("notification cannot be nil")
	}
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	n.CreatedAt = utc(n.CreatedAt)
	if n.Data == nil {
		n.Data = model.Payload{}
	}

	_, err := r.db.ExecContext(ctx, r.q(`
		INSERT INTO notifications (
			id, user_id, type, title, body, data, target_url, priority, is_read, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, FALSE, ?)`),
		n.ID, n.UserID, n.Type, n.Title, n.Body, n.Data, n.TargetURL, n.Priority, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

func (r *notificationRepository) Get(ctx context.Context, id uuid.UUID) (*model.Notification, error) {
	return r.get(ctx, id, "")
}

func (r *notificationRepository) get(ctx context.Context, id uuid.UUID, userID string) (*model.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = ?`
	args := []interface{}{id}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}

	var n model.Notification
	err := r.db.GetContext(ctx, &n, r.q(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("notification", err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	return &n, nil
}

func (r *notificationRepository) MarkRead(ctx context.Context, id uuid.UUID, userID string, at time.Time) (*model.Notification, error) {
	query := `UPDATE notifications SET is_read = TRUE, read_at = ? WHERE id = ? AND is_read = FALSE`
	args := []interface{}{utc(at), id}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}

	if _, err := r.db.ExecContext(ctx, r.q(query), args...); err != nil {
		return nil, fmt.Errorf("failed to mark notification read: %w", err)
	}
	return r.get(ctx, id, userID)
}

func (r *notificationRepository) MarkAllRead(ctx context.Context, userID string, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.q(`
		UPDATE notifications SET is_read = TRUE, read_at = ?
		WHERE user_id = ? AND is_read = FALSE`), utc(at), userID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark all notifications read: %w", err)
	}
	return res.RowsAffected()
}

func (r *notificationRepository) ListUnread(ctx context.Context, userID string, limit int) ([]*model.Notification, error) {
	notifications := []*model.Notification{}
	err := r.db.SelectContext(ctx, &notifications, r.q(`
		SELECT `+notificationColumns+` FROM notifications
		WHERE user_id = ? AND is_read = FALSE
		ORDER BY created_at DESC
		LIMIT ?`), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unread notifications: %w", err)
	}
	return notifications, nil
}

func (r *notificationRepository) History(ctx context.Context, userID string, filter model.HistoryFilter) ([]*model.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE user_id = ?`
	args := []interface{}{userID}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, filter.Type)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	notifications := []*model.Notification{}
	if err := r.db.SelectContext(ctx, &notifications, r.q(query), args...); err != nil {
		return nil, fmt.Errorf("failed to get notification history: %w", err)
	}
	return notifications, nil
}

func (r *notificationRepository) CountUnread(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, r.q(`
		SELECT COUNT(*) FROM notifications WHERE user_id = ? AND is_read = FALSE`), userID)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return count, nil
}

// DeleteReadBefore removes read notifications created before the cutoff.
// Unread notifications are kept regardless of age.
func (r *notificationRepository) DeleteReadBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.q(`
		DELETE FROM notifications WHERE is_read = TRUE AND created_at < ?`), utc(before))
	if err != nil {
		return 0, fmt.Errorf("failed to purge notifications: %w", err)
	}
	return res.RowsAffected()
}
