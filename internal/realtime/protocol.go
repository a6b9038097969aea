package realtime

import (
	"encoding/json"
)

// Inbound events.
const (
	EventAuthenticate  = "authenticate"
	EventMarkRead      = "notification:mark-read"
	EventMarkAllRead   = "notification:mark-all-read"
	EventClicked       = "notification:clicked"
	EventGetUnread     = "notification:get-unread"
	EventGetHistory    = "notification:get-history"
	EventMarkDelivered = "notification:mark-delivered"
	EventDeviceStatus  = "device:status-update"
)

// Outbound events.
const (
	EventVerified    = "connection:verified"
	EventNew         = "notification:new"
	EventReadSync    = "notification:read-sync"
	EventAllRead     = "notification:all-read"
	EventBadgeUpdate = "notification:badge-update"
	EventUnreadList  = "notification:unread-list"
	EventHistory     = "notification:history"
	EventError       = "error"
)

// Envelope is the frame format in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encode(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

type authenticateRequest struct {
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId"`
}

type notificationRequest struct {
	NotificationID string `json:"notificationId"`
}

type historyRequest struct {
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
	Type   string `json:"type"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type verifiedPayload struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	DeviceID     string `json:"deviceId,omitempty"`
	UnreadCount  int    `json:"unreadCount"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// relayMessage carries a user broadcast between instances.
type relayMessage struct {
	UserID string          `json:"userId"`
	Frame  json.RawMessage `json:"frame"`
}
