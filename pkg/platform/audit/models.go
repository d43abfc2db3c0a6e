package audit

import (
	"context"
	"time"

	id "idverify/pkg/domain"
)

// EventCategory classifies audit events by their primary purpose.
// Downstream retention and routing key off the category.
type EventCategory string

const (
	// CategoryCompliance covers events with regulatory significance: a
	// verification outcome and every compensation that touched user data.
	CategoryCompliance EventCategory = "compliance"

	// CategoryOperations covers routine progress that can be sampled.
	CategoryOperations EventCategory = "operations"
)

// Event is the transport-agnostic audit record. Subject is the target
// reference (the saga correlation ID for saga events) and Source tags the
// emitting component.
type Event struct {
	Category     EventCategory
	Timestamp    time.Time
	UserID       id.UserID
	Subject      string
	Action       string
	Source       string
	Success      bool
	ErrorMessage string
	Data         map[string]any
	RequestID    string
}

type AuditEvent string

const (
	EventSagaStarted          AuditEvent = "Saga.Started"
	EventSagaStepCompleted    AuditEvent = "Saga.StepCompleted"
	EventSagaCompleted        AuditEvent = "Saga.Completed"
	EventSagaFailed           AuditEvent = "Saga.Failed"
	EventSagaRolledBack       AuditEvent = "Saga.RolledBack"
	EventSagaRollbackCritical AuditEvent = "Saga.RollbackCritical"
	EventSagaDeadlineExceeded AuditEvent = "Saga.DeadlineExceeded"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventSagaCompleted:        CategoryCompliance,
	EventSagaFailed:           CategoryCompliance,
	EventSagaRolledBack:       CategoryCompliance,
	EventSagaRollbackCritical: CategoryCompliance,
	EventSagaDeadlineExceeded: CategoryCompliance,

	EventSagaStarted:       CategoryOperations,
	EventSagaStepCompleted: CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists audit events. Implementations may be remote and slow; the
// publisher shields callers from both.
type Store interface {
	Append(ctx context.Context, event Event) error
}

// Reader is implemented by stores that can query back what they persisted.
type Reader interface {
	ListByUser(ctx context.Context, userID id.UserID) ([]Event, error)
}
