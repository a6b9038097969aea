// Package push delivers notifications through provider-managed push
// services and classifies each attempt as success, transient or permanent
// failure.
package push

import (
	"context"
	"fmt"

	"github.com/jwalitptl/notification-hub/internal/model"
)

type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeTransient Outcome = "transient"
	// OutcomePermanent means the subscription is gone and will never work again.
	OutcomePermanent Outcome = "permanent"
)

// Result of one send attempt. StatusCode is zero when no HTTP response was
// received.
type Result struct {
	Outcome    Outcome
	StatusCode int
	Err        error
}

func (r Result) Success() bool   { return r.Outcome == OutcomeSuccess }
func (r Result) Permanent() bool { return r.Outcome == OutcomePermanent }

// Detail is the text recorded on a failed delivery.
func (r Result) Detail() string {
	switch {
	case r.Err != nil && r.StatusCode != 0:
		return fmt.Sprintf("%s (status %d)", r.Err.Error(), r.StatusCode)
	case r.Err != nil:
		return r.Err.Error()
	case r.StatusCode != 0:
		return fmt.Sprintf("push provider returned status %d", r.StatusCode)
	default:
		return string(r.Outcome)
	}
}

func succeeded(status int) Result {
	return Result{Outcome: OutcomeSuccess, StatusCode: status}
}

func transient(status int, err error) Result {
	return Result{Outcome: OutcomeTransient, StatusCode: status, Err: err}
}

func permanent(status int, err error) Result {
	return Result{Outcome: OutcomePermanent, StatusCode: status, Err: err}
}

type Sender interface {
	Send(ctx context.Context, sub model.PushSubscription, msg Message) Result
}

type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Message is the payload handed to the device's service worker or mobile app.
type Message struct {
	Title              string                 `json:"title"`
	Body               string                 `json:"body"`
	Icon               string                 `json:"icon,omitempty"`
	Badge              string                 `json:"badge,omitempty"`
	Tag                string                 `json:"tag"`
	RequireInteraction bool                   `json:"requireInteraction"`
	Data               map[string]interface{} `json:"data"`
	Actions            []Action               `json:"actions,omitempty"`
}

// Urgent reports whether providers should treat the message as high priority.
func (m Message) Urgent() bool {
	return m.RequireInteraction
}

type Assets struct {
	Icon  string
	Badge string
}

// NewMessage builds the push payload for n. Identifiers set by the service
// win over same-named keys in the notification data.
func NewMessage(n *model.Notification, assets Assets) Message {
	data := make(map[string]interface{}, len(n.Data)+3)
	for k, v := range n.Data {
		data[k] = v
	}
	data["notificationId"] = n.ID.String()
	data["type"] = n.Type
	data["targetUrl"] = n.TargetURL

	return Message{
		Title:              n.Title,
		Body:               n.Body,
		Icon:               assets.Icon,
		Badge:              assets.Badge,
		Tag:                n.ID.String(),
		RequireInteraction: n.Priority == model.PriorityUrgent,
		Data:               data,
		Actions: []Action{
			{Action: "view", Title: "View"},
			{Action: "dismiss", Title: "Dismiss"},
		},
	}
}
