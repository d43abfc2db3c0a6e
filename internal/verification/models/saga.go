package models

import (
	"encoding/json"
	"strings"
	"time"

	id "idverify/pkg/domain"
	dErrors "idverify/pkg/domain-errors"
)

// defaultFailureMessage stands in when a caller fails a saga without a reason.
const defaultFailureMessage = "unspecified step failure"

// SagaState is the aggregate root for one identity-verification submission.
//
// Invariants:
//   - CorrelationID and SubjectID are immutable after construction
//   - CurrentStep is monotonically non-decreasing and never exceeds TotalSteps
//   - CompletedSteps only grows; its length equals the number of recorded steps
//   - CreatedProfileID is set at most once
//   - CreatedDocumentIDs only shrinks while rolling back
//   - CompletedAt and RolledBackAt are each set at most once
//   - Terminal statuses (completed, rolled_back, partially_rolled_back) never change
//
// Fields are unexported so every mutation goes through a transition method.
// Stores persist a SagaSnapshot and rebuild with RestoreSagaState.
type SagaState struct {
	correlationID        id.CorrelationID
	subjectID            id.UserID
	status               Status
	currentStep          int
	totalSteps           int
	steps                StepLog
	createdProfileID     *id.ProfileID
	documents            DocumentSet
	failedAtStep         *int
	errorMessage         string
	rollbackErrorMessage string
	requestedAt          time.Time
	completedAt          *time.Time
	rolledBackAt         *time.Time
	deadline             time.Time
	version              int64
}

// NewSagaState creates a saga in the started state. The deadline is the point
// after which the reaper treats the saga as abandoned.
func NewSagaState(correlationID id.CorrelationID, subjectID id.UserID, totalSteps int, now, deadline time.Time) (*SagaState, error) {
	if correlationID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "correlation ID cannot be nil")
	}
	if subjectID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "subject ID cannot be nil")
	}
	if totalSteps < 1 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "total steps must be at least 1")
	}
	if !deadline.After(now) {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "deadline must be after the request time")
	}
	return &SagaState{
		correlationID: correlationID,
		subjectID:     subjectID,
		status:        StatusStarted,
		totalSteps:    totalSteps,
		requestedAt:   now,
		deadline:      deadline,
	}, nil
}

func (s *SagaState) CorrelationID() id.CorrelationID { return s.correlationID }
func (s *SagaState) SubjectID() id.UserID           { return s.subjectID }
func (s *SagaState) Status() Status                 { return s.status }
func (s *SagaState) CurrentStep() int               { return s.currentStep }
func (s *SagaState) TotalSteps() int                { return s.totalSteps }
func (s *SagaState) CompletedSteps() []StepRecord   { return s.steps.Entries() }
func (s *SagaState) StepCount() int                 { return s.steps.Len() }

// LastStep returns the most recently reported step, in report order.
func (s *SagaState) LastStep() (StepRecord, bool) { return s.steps.Last() }
func (s *SagaState) ErrorMessage() string           { return s.errorMessage }
func (s *SagaState) RequestedAt() time.Time         { return s.requestedAt }
func (s *SagaState) Deadline() time.Time            { return s.deadline }
func (s *SagaState) Version() int64                 { return s.version }

// RollbackErrorMessage joins the compensation failures of the rollback pass.
// ErrorMessage keeps the original failure reason.
func (s *SagaState) RollbackErrorMessage() string { return s.rollbackErrorMessage }

// CreatedProfileID returns the profile attached to the saga, if any.
func (s *SagaState) CreatedProfileID() (id.ProfileID, bool) {
	if s.createdProfileID == nil {
		return id.ProfileID{}, false
	}
	return *s.createdProfileID, true
}

// CreatedDocumentIDs returns the compensable documents in creation order.
func (s *SagaState) CreatedDocumentIDs() []id.DocumentID { return s.documents.IDs() }

func (s *SagaState) FailedAtStep() (int, bool) {
	if s.failedAtStep == nil {
		return 0, false
	}
	return *s.failedAtStep, true
}

func (s *SagaState) CompletedAt() (time.Time, bool)  { return derefTime(s.completedAt) }
func (s *SagaState) RolledBackAt() (time.Time, bool) { return derefTime(s.rolledBackAt) }

// IsPastDeadline reports whether a non-terminal saga outlived its deadline.
func (s *SagaState) IsPastDeadline(now time.Time) bool {
	return !s.status.IsTerminal() && now.After(s.deadline)
}

// RecordStep appends forward progress. Duplicate and out-of-order steps are
// accepted as reported; CurrentStep only moves forward.
func (s *SagaState) RecordStep(step int, name string, data json.RawMessage, now time.Time) error {
	if !s.status.CanTransitionTo(StatusInProgress) {
		return s.invalidTransition(StatusInProgress)
	}
	if step < 1 || step > s.totalSteps {
		return dErrors.New(dErrors.CodeInvariantViolation, "step must be between 1 and total steps")
	}
	if strings.TrimSpace(name) == "" {
		return dErrors.New(dErrors.CodeInvariantViolation, "step name cannot be empty")
	}
	s.status = StatusInProgress
	if step > s.currentStep {
		s.currentStep = step
	}
	s.steps.Append(StepRecord{
		StepNumber:  step,
		StepName:    name,
		CompletedAt: now,
		Data:        data,
	})
	return nil
}

// AttachProfile records the profile created by the saga. Re-attaching the
// same profile is a no-op and returns false.
func (s *SagaState) AttachProfile(profileID id.ProfileID) (bool, error) {
	if err := s.requireOpen("attach profile"); err != nil {
		return false, err
	}
	if profileID.IsNil() {
		return false, dErrors.New(dErrors.CodeInvariantViolation, "profile ID cannot be nil")
	}
	if s.createdProfileID != nil {
		if *s.createdProfileID == profileID {
			return false, nil
		}
		return false, dErrors.New(dErrors.CodeInvariantViolation, "saga already references a different profile")
	}
	s.createdProfileID = &profileID
	return true, nil
}

// AttachDocument records a document created by the saga. Returns false when
// the document was already attached.
func (s *SagaState) AttachDocument(documentID id.DocumentID) (bool, error) {
	if err := s.requireOpen("attach document"); err != nil {
		return false, err
	}
	if documentID.IsNil() {
		return false, dErrors.New(dErrors.CodeInvariantViolation, "document ID cannot be nil")
	}
	return s.documents.Add(documentID), nil
}

// Complete moves the saga to its single success terminal.
func (s *SagaState) Complete(now time.Time) error {
	if !s.status.CanTransitionTo(StatusCompleted) {
		return s.invalidTransition(StatusCompleted)
	}
	s.status = StatusCompleted
	s.completedAt = &now
	return nil
}

// Fail records why and where the saga failed. Rollback must follow.
func (s *SagaState) Fail(failedAtStep int, message string) error {
	if !s.status.CanTransitionTo(StatusFailed) {
		return s.invalidTransition(StatusFailed)
	}
	if strings.TrimSpace(message) == "" {
		message = defaultFailureMessage
	}
	s.status = StatusFailed
	s.failedAtStep = &failedAtStep
	s.errorMessage = message
	return nil
}

// BeginRollback enters rolling_back. It can happen once per saga.
func (s *SagaState) BeginRollback() error {
	if !s.status.CanTransitionTo(StatusRollingBack) {
		return s.invalidTransition(StatusRollingBack)
	}
	s.status = StatusRollingBack
	return nil
}

// ForgetDocument drops a document whose deletion was confirmed.
func (s *SagaState) ForgetDocument(documentID id.DocumentID) bool {
	if s.status != StatusRollingBack {
		return false
	}
	return s.documents.remove(documentID)
}

// FinishRollback settles the rollback outcome. Any compensation failure
// leaves the saga partially rolled back for operator follow-up.
func (s *SagaState) FinishRollback(rollbackErrors []string, now time.Time) (Status, error) {
	next := StatusRolledBack
	if len(rollbackErrors) > 0 {
		next = StatusPartiallyRolledBack
	}
	if !s.status.CanTransitionTo(next) {
		return s.status, s.invalidTransition(next)
	}
	s.status = next
	s.rollbackErrorMessage = strings.Join(rollbackErrors, "; ")
	s.rolledBackAt = &now
	return next, nil
}

func (s *SagaState) requireOpen(action string) error {
	if s.status != StatusStarted && s.status != StatusInProgress {
		return dErrors.New(dErrors.CodeInvalidState, "cannot "+action+" while saga is "+s.status.String())
	}
	return nil
}

func (s *SagaState) invalidTransition(next Status) error {
	return dErrors.New(dErrors.CodeInvalidState,
		"saga cannot transition from "+s.status.String()+" to "+next.String())
}

func derefTime(t *time.Time) (time.Time, bool) {
	if t == nil {
		return time.Time{}, false
	}
	return *t, true
}
