package models

import (
	"time"

	id "idverify/pkg/domain"
	dErrors "idverify/pkg/domain-errors"
)

// SagaSnapshot is the flat persistence form of a SagaState. Stores read and
// write snapshots; services only ever see SagaState.
type SagaSnapshot struct {
	CorrelationID        id.CorrelationID
	SubjectID            id.UserID
	Status               Status
	CurrentStep          int
	TotalSteps           int
	CompletedSteps       []StepRecord
	CreatedProfileID     *id.ProfileID
	CreatedDocumentIDs   []id.DocumentID
	FailedAtStep         *int
	ErrorMessage         string
	RollbackErrorMessage string
	RequestedAt          time.Time
	CompletedAt          *time.Time
	RolledBackAt         *time.Time
	Deadline             time.Time
	Version              int64
}

// Snapshot copies the state into its persistence form.
func (s *SagaState) Snapshot() SagaSnapshot {
	return SagaSnapshot{
		CorrelationID:        s.correlationID,
		SubjectID:            s.subjectID,
		Status:               s.status,
		CurrentStep:          s.currentStep,
		TotalSteps:           s.totalSteps,
		CompletedSteps:       s.steps.Entries(),
		CreatedProfileID:     clonePtr(s.createdProfileID),
		CreatedDocumentIDs:   s.documents.IDs(),
		FailedAtStep:         clonePtr(s.failedAtStep),
		ErrorMessage:         s.errorMessage,
		RollbackErrorMessage: s.rollbackErrorMessage,
		RequestedAt:          s.requestedAt,
		CompletedAt:          clonePtr(s.completedAt),
		RolledBackAt:         clonePtr(s.rolledBackAt),
		Deadline:             s.deadline,
		Version:              s.version,
	}
}

// RestoreSagaState rebuilds a SagaState from persisted data.
func RestoreSagaState(snap SagaSnapshot) (*SagaState, error) {
	if snap.CorrelationID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "snapshot missing correlation ID")
	}
	if !snap.Status.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "snapshot has unknown status "+string(snap.Status))
	}
	if snap.CurrentStep > snap.TotalSteps {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "snapshot current step exceeds total steps")
	}
	return &SagaState{
		correlationID:        snap.CorrelationID,
		subjectID:            snap.SubjectID,
		status:               snap.Status,
		currentStep:          snap.CurrentStep,
		totalSteps:           snap.TotalSteps,
		steps:                NewStepLog(snap.CompletedSteps),
		createdProfileID:     clonePtr(snap.CreatedProfileID),
		documents:            NewDocumentSet(snap.CreatedDocumentIDs),
		failedAtStep:         clonePtr(snap.FailedAtStep),
		errorMessage:         snap.ErrorMessage,
		rollbackErrorMessage: snap.RollbackErrorMessage,
		requestedAt:          snap.RequestedAt,
		completedAt:          clonePtr(snap.CompletedAt),
		rolledBackAt:         clonePtr(snap.RolledBackAt),
		deadline:             snap.Deadline,
		version:              snap.Version,
	}, nil
}

// Clone returns an independent copy, used by in-memory stores.
func (s *SagaState) Clone() *SagaState {
	clone, err := RestoreSagaState(s.Snapshot())
	if err != nil {
		// A live SagaState always produces a restorable snapshot.
		panic(err)
	}
	return clone
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// IncrementVersion is called by stores after a successful versioned write.
func (s *SagaState) IncrementVersion() {
	s.version++
}
