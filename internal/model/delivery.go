package model

import (
	"time"

	"github.com/google/uuid"
)

type DeliveryState string

// sent -> delivered -> clicked, or sent -> failed. failed and clicked are terminal.
const (
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryFailed    DeliveryState = "failed"
	DeliveryClicked   DeliveryState = "clicked"
)

type DeliveryStatus struct {
	ID             uuid.UUID     `db:"id" json:"id"`
	NotificationID uuid.UUID     `db:"notification_id" json:"notificationId"`
	DeviceID       uuid.UUID     `db:"device_id" json:"deviceId"`
	Status         DeliveryState `db:"status" json:"status"`
	ErrorMessage   *string       `db:"error_message" json:"errorMessage,omitempty"`
	DeliveredAt    *time.Time    `db:"delivered_at" json:"deliveredAt,omitempty"`
	ClickedAt      *time.Time    `db:"clicked_at" json:"clickedAt,omitempty"`
	CreatedAt      time.Time     `db:"created_at" json:"createdAt"`
}

// DeliverySummary is the per-device fan-out of one notification, derived from
// its delivery rows.
type DeliverySummary struct {
	Total     int `json:"total"`
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Clicked   int `json:"clicked"`

	// DeliveredDevices lists the devices the notification reached, clicked
	// ones included.
	DeliveredDevices []uuid.UUID `json:"deliveredDevices"`
}

func Summarize(statuses []*DeliveryStatus) DeliverySummary {
	sum := DeliverySummary{DeliveredDevices: []uuid.UUID{}}
	for _, ds := range statuses {
		sum.Total++
		switch ds.Status {
		case DeliverySent:
			sum.Sent++
		case DeliveryDelivered:
			sum.Delivered++
			sum.DeliveredDevices = append(sum.DeliveredDevices, ds.DeviceID)
		case DeliveryFailed:
			sum.Failed++
		case DeliveryClicked:
			sum.Clicked++
			sum.DeliveredDevices = append(sum.DeliveredDevices, ds.DeviceID)
		}
	}
	return sum
}
