package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

type columnTypes struct {
	id, json, timestamp string
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		id {{id}} PRIMARY KEY,
		user_id VARCHAR(255) NOT NULL,
		device_type VARCHAR(32) NOT NULL DEFAULT 'web',
		device_name VARCHAR(255) NOT NULL DEFAULT '',
		live_connection_id VARCHAR(64),
		push_endpoint TEXT,
		push_subscription {{json}},
		is_online BOOLEAN NOT NULL DEFAULT FALSE,
		last_seen {{timestamp}} NOT NULL,
		notification_settings {{json}} NOT NULL DEFAULT '{}',
		created_at {{timestamp}} NOT NULL,
		updated_at {{timestamp}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_devices_user_last_seen ON devices (user_id, last_seen)`,
	`DROP INDEX IF EXISTS idx_devices_user_endpoint`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_devices_user_endpoint ON devices (user_id, push_endpoint) WHERE push_endpoint IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_devices_live_connection ON devices (live_connection_id)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id {{id}} PRIMARY KEY,
		user_id VARCHAR(255) NOT NULL,
		type VARCHAR(64) NOT NULL,
		title VARCHAR(255) NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		data {{json}} NOT NULL DEFAULT '{}',
		target_url TEXT NOT NULL DEFAULT '',
		priority VARCHAR(32) NOT NULL DEFAULT 'normal',
		is_read BOOLEAN NOT NULL DEFAULT FALSE,
		read_at {{timestamp}},
		created_at {{timestamp}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_user_created ON notifications (user_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_user_unread ON notifications (user_id, is_read)`,
	// device_id carries no foreign key: delivery rows outlive removed devices.
	`CREATE TABLE IF NOT EXISTS delivery_statuses (
		id {{id}} PRIMARY KEY,
		notification_id {{id}} NOT NULL REFERENCES notifications (id) ON DELETE CASCADE,
		device_id {{id}} NOT NULL,
		status VARCHAR(16) NOT NULL,
		error_message TEXT,
		delivered_at {{timestamp}},
		clicked_at {{timestamp}},
		created_at {{timestamp}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_delivery_statuses_notification ON delivery_statuses (notification_id, device_id)`,
}

func typesFor(driver string) columnTypes {
	switch driver {
	case "postgres", "pgx":
		return columnTypes{id: "UUID", json: "JSONB", timestamp: "TIMESTAMPTZ"}
	default:
		return columnTypes{id: "TEXT", json: "TEXT", timestamp: "TIMESTAMP"}
	}
}

// Migrate creates the tables used by the notification repositories if they do
// not exist yet.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	types := typesFor(db.DriverName())
	r := strings.NewReplacer("{{id}}", types.id, "{{json}}", types.json, "{{timestamp}}", types.timestamp)

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, r.Replace(stmt)); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
