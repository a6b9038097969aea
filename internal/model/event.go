package model

// DomainEvent is a state change produced elsewhere (order assigned, order
// delivered, ...) that should notify one or more users.
type DomainEvent struct {
	UserIDs   []string `json:"user_ids" validate:"required,min=1,dive,required"`
	Type      string   `json:"type" validate:"required"`
	Title     string   `json:"title" validate:"required"`
	Body      string   `json:"body"`
	Data      Payload  `json:"data"`
	TargetURL string   `json:"target_url"`
	Priority  string   `json:"priority"`
}

func (e DomainEvent) Input() NotificationInput {
	return NotificationInput{
		Type:      e.Type,
		Title:     e.Title,
		Body:      e.Body,
		Data:      e.Data,
		TargetURL: e.TargetURL,
		Priority:  e.Priority,
	}
}
