package model

import (
	"database/sql/driver"
	"time"

	"github.com/google/uuid"
)

type DeviceType string

const (
	DeviceTypeMobile  DeviceType = "mobile"
	DeviceTypeWeb     DeviceType = "web"
	DeviceTypeDesktop DeviceType = "desktop"
)

// Push providers a subscription can belong to.
const (
	ProviderWebPush = "webpush"
	ProviderSNS     = "sns"
)

type PushKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// PushSubscription describes how a provider reaches a device. For Web Push it
// is the browser subscription; for SNS the endpoint is the platform endpoint ARN.
type PushSubscription struct {
	Provider string   `json:"provider,omitempty"`
	Endpoint string   `json:"endpoint" validate:"required"`
	Keys     PushKeys `json:"keys"`
}

// ProviderName defaults to Web Push for browser subscriptions that never set one.
func (s PushSubscription) ProviderName() string {
	if s.Provider == "" {
		return ProviderWebPush
	}
	return s.Provider
}

func (s PushSubscription) Value() (driver.Value, error) {
	return valueJSON(s)
}

func (s *PushSubscription) Scan(src interface{}) error {
	return scanJSON(src, s)
}

// Settings maps a notification type to whether the device wants it.
type Settings map[string]bool

// Allows reports whether notifications of type typ may be delivered. Types that
// were never configured are allowed.
func (s Settings) Allows(typ string) bool {
	enabled, ok := s[typ]
	return !ok || enabled
}

func (s Settings) Value() (driver.Value, error) {
	if s == nil {
		return "{}", nil
	}
	return valueJSON(map[string]bool(s))
}

func (s *Settings) Scan(src interface{}) error {
	m := map[string]bool{}
	if err := scanJSON(src, &m); err != nil {
		return err
	}
	*s = m
	return nil
}

type Device struct {
	ID               uuid.UUID         `db:"id" json:"id"`
	UserID           string            `db:"user_id" json:"userId"`
	DeviceType       DeviceType        `db:"device_type" json:"deviceType"`
	DeviceName       string            `db:"device_name" json:"deviceName"`
	LiveConnectionID *string           `db:"live_connection_id" json:"liveConnectionId,omitempty"`
	PushEndpoint     *string           `db:"push_endpoint" json:"-"`
	PushSubscription *PushSubscription `db:"push_subscription" json:"pushSubscription,omitempty"`
	IsOnline         bool              `db:"is_online" json:"isOnline"`
	LastSeen         time.Time         `db:"last_seen" json:"lastSeen"`
	Settings         Settings          `db:"notification_settings" json:"notificationSettings"`
	CreatedAt        time.Time         `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time         `db:"updated_at" json:"updatedAt"`
}

// HasLiveConnection is the persisted half of "reachable live"; the realtime
// channel still has to recognise the connection id.
func (d *Device) HasLiveConnection() bool {
	return d.IsOnline && d.LiveConnectionID != nil && *d.LiveConnectionID != ""
}

func (d *Device) CanPush() bool {
	return d.PushSubscription != nil && d.PushSubscription.Endpoint != ""
}

// DeviceInfo is what a device reports when it registers.
type DeviceInfo struct {
	DeviceType       DeviceType        `json:"deviceType" validate:"omitempty,oneof=mobile web desktop"`
	DeviceName       string            `json:"deviceName" validate:"max=255"`
	PushSubscription *PushSubscription `json:"pushSubscription"`
	// FCMToken is a native mobile push token; it is turned into an SNS
	// platform endpoint when SNS is configured.
	FCMToken string `json:"fcmToken"`
	Platform string `json:"platform" validate:"omitempty,oneof=android ios"`
}
