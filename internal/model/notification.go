package model

import (
	"time"

	"github.com/google/uuid"
)

const (
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

type Notification struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	UserID    string     `db:"user_id" json:"userId"`
	Type      string     `db:"type" json:"type"`
	Title     string     `db:"title" json:"title"`
	Body      string     `db:"body" json:"body"`
	Data      Payload    `db:"data" json:"data"`
	TargetURL string     `db:"target_url" json:"targetUrl,omitempty"`
	Priority  string     `db:"priority" json:"priority"`
	IsRead    bool       `db:"is_read" json:"isRead"`
	ReadAt    *time.Time `db:"read_at" json:"readAt,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"createdAt"`
}

// NotificationInput carries the caller-supplied content of a notification.
type NotificationInput struct {
	Type      string  `json:"type" validate:"required,max=64"`
	Title     string  `json:"title" validate:"required,max=255"`
	Body      string  `json:"body"`
	Data      Payload `json:"data"`
	TargetURL string  `json:"targetUrl" validate:"max=2048"`
	Priority  string  `json:"priority" validate:"omitempty,max=32"`
}

type HistoryFilter struct {
	Limit  int
	Offset int
	Type   string
}
