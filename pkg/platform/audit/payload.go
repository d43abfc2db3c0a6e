package audit

import (
	"time"

	"github.com/google/uuid"
)

// Payload is the JSON body of an outbox row and of the message on the audit topic.
type Payload struct {
	ID           string         `json:"id"`
	Category     string         `json:"category"`
	Timestamp    string         `json:"timestamp"`
	UserID       string         `json:"user_id,omitempty"`
	Subject      string         `json:"subject"`
	Action       string         `json:"action"`
	Source       string         `json:"source,omitempty"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
}

// NewPayload converts an event into its wire form. Category is always
// derived from the action.
func NewPayload(eventID uuid.UUID, event Event) Payload {
	p := Payload{
		ID:           eventID.String(),
		Category:     string(AuditEvent(event.Action).Category()),
		Timestamp:    event.Timestamp.Format(time.RFC3339Nano),
		Subject:      event.Subject,
		Action:       event.Action,
		Source:       event.Source,
		Success:      event.Success,
		ErrorMessage: event.ErrorMessage,
		Data:         event.Data,
		RequestID:    event.RequestID,
	}
	if !event.UserID.IsNil() {
		p.UserID = event.UserID.String()
	}
	return p
}

// OutboxEntry is one unprocessed outbox row awaiting relay.
type OutboxEntry struct {
	ID          uuid.UUID
	AggregateID string
	EventType   string
	Payload     []byte
}
