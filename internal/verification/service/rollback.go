package service

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"idverify/internal/verification/models"
	id "idverify/pkg/domain"
	dErrors "idverify/pkg/domain-errors"
	"idverify/pkg/platform/audit"
	"idverify/pkg/platform/sentinel"
	"idverify/pkg/requestcontext"
)

// RollbackOutcome reports what a rollback request did.
type RollbackOutcome string

const (
	RollbackNotFound        RollbackOutcome = "not_found"
	RollbackClean           RollbackOutcome = "rolled_back"
	RollbackPartial         RollbackOutcome = "partially_rolled_back"
	RollbackAlreadyTerminal RollbackOutcome = "already_terminal"
	// RollbackInProgress means another pass owns the rollback; the reaper
	// resumes it if that pass never finishes.
	RollbackInProgress RollbackOutcome = "in_progress"
)

// Clean reports whether every compensation succeeded.
func (r RollbackOutcome) Clean() bool {
	return r == RollbackClean
}

const (
	requestedRollbackMessage = "rollback requested"
	criticalRollbackFailure  = "critical rollback failure"
)

// FailSaga records the step failure and always runs compensation before
// returning. A saga already failed by an earlier crashed call is rolled back
// without being failed again.
func (o *Orchestrator) FailSaga(ctx context.Context, correlationID id.CorrelationID, failedAtStep int, errorMessage string) (_ RollbackOutcome, err error) {
	ctx, span := o.startSpan(ctx, "verification.FailSaga", correlationID,
		attribute.Int("saga.failed_at_step", failedAtStep))
	defer func() { endSpan(span, err) }()

	release, err := o.acquire(ctx, correlationID)
	if err != nil {
		return "", err
	}
	defer release()

	state, err := o.load(ctx, correlationID)
	if err != nil {
		return "", err
	}
	if state == nil {
		o.warnMissing(ctx, "fail saga", correlationID)
		return RollbackNotFound, nil
	}

	switch status := state.Status(); {
	case status.IsTerminal():
		return RollbackAlreadyTerminal, dErrors.New(dErrors.CodeInvalidState, "saga already finished as "+status.String())
	case status == models.StatusRollingBack:
		return RollbackInProgress, nil
	case status == models.StatusFailed:
		// keep the original failure reason
	default:
		if err := o.fail(ctx, state, failedAtStep, errorMessage); err != nil {
			return "", err
		}
	}
	return o.rollback(ctx, state)
}

// RollbackSaga compensates every resource the saga created. An open saga is
// failed first with a generic reason. Unknown and finished sagas are reported,
// never an error.
func (o *Orchestrator) RollbackSaga(ctx context.Context, correlationID id.CorrelationID) (_ RollbackOutcome, err error) {
	ctx, span := o.startSpan(ctx, "verification.RollbackSaga", correlationID)
	defer func() { endSpan(span, err) }()

	release, err := o.acquire(ctx, correlationID)
	if err != nil {
		return "", err
	}
	defer release()

	state, err := o.load(ctx, correlationID)
	if err != nil {
		return "", err
	}
	if state == nil {
		o.warnMissing(ctx, "rollback", correlationID)
		return RollbackNotFound, nil
	}

	switch status := state.Status(); {
	case status.IsTerminal():
		return RollbackAlreadyTerminal, nil
	case status == models.StatusRollingBack:
		return RollbackInProgress, nil
	case status == models.StatusStarted, status == models.StatusInProgress:
		if err := o.fail(ctx, state, state.CurrentStep(), requestedRollbackMessage); err != nil {
			return "", err
		}
	}
	return o.rollback(ctx, state)
}

// ResumeRollback retries the compensations left over by a rollback pass that
// never finished, then settles the outcome.
func (o *Orchestrator) ResumeRollback(ctx context.Context, correlationID id.CorrelationID) (_ RollbackOutcome, err error) {
	ctx, span := o.startSpan(ctx, "verification.ResumeRollback", correlationID)
	defer func() { endSpan(span, err) }()

	release, err := o.acquire(ctx, correlationID)
	if err != nil {
		return "", err
	}
	defer release()

	state, err := o.load(ctx, correlationID)
	if err != nil {
		return "", err
	}
	if state == nil {
		return RollbackNotFound, nil
	}
	if state.Status().IsTerminal() {
		return RollbackAlreadyTerminal, nil
	}
	if state.Status() != models.StatusRollingBack {
		return "", dErrors.New(dErrors.CodeInvalidState, "saga is not rolling back")
	}

	ctx, cancel := o.compensationContext(ctx)
	defer cancel()
	return o.settle(ctx, state)
}

func (o *Orchestrator) fail(ctx context.Context, state *models.SagaState, failedAtStep int, errorMessage string) error {
	if err := state.Fail(failedAtStep, errorMessage); err != nil {
		return err
	}
	if err := o.save(ctx, state); err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.IncrementFailed()
	}
	o.logAudit(ctx, state, audit.EventSagaFailed, false, state.ErrorMessage(),
		"failed_at_step", failedAtStep,
		"current_step", state.CurrentStep(),
	)
	return nil
}

func (o *Orchestrator) rollback(ctx context.Context, state *models.SagaState) (RollbackOutcome, error) {
	ctx, cancel := o.compensationContext(ctx)
	defer cancel()

	if err := state.BeginRollback(); err != nil {
		return "", err
	}
	if err := o.save(ctx, state); err != nil {
		return "", err
	}
	return o.settle(ctx, state)
}

// compensationContext detaches compensation from the caller so a cancelled
// request never leaves a saga half rolled back.
func (o *Orchestrator) compensationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.compensationTimeout)
}

// settle runs compensation on a rolling-back saga and persists the outcome.
func (o *Orchestrator) settle(ctx context.Context, state *models.SagaState) (RollbackOutcome, error) {
	result := o.compensate(ctx, state)

	now := requestcontext.Now(ctx)
	status, err := state.FinishRollback(result.errors, now)
	if err != nil {
		return "", err
	}
	if err := o.save(ctx, state); err != nil {
		return "", err
	}

	if o.metrics != nil {
		o.metrics.IncrementRollback(status.String())
		o.metrics.ObserveSagaDuration(state.RequestedAt(), now)
	}
	o.logAudit(ctx, state, audit.EventSagaRolledBack, len(result.errors) == 0, state.RollbackErrorMessage(),
		"documents_deleted", result.documentsDeleted,
		"documents_remaining", len(state.CreatedDocumentIDs()),
		"profile_suspended", result.profileSuspended,
		"failures", len(result.errors),
	)
	if result.critical {
		o.logAudit(ctx, state, audit.EventSagaRollbackCritical, false, state.RollbackErrorMessage())
	}

	if status == models.StatusRolledBack {
		return RollbackClean, nil
	}
	return RollbackPartial, nil
}

type compensationResult struct {
	errors           []string
	documentsDeleted int
	profileSuspended bool
	critical         bool
}

// compensate deletes documents in creation order, then suspends the profile.
// Item failures are collected and never stop the pass. A panic in the pass
// itself is recorded as a critical failure.
func (o *Orchestrator) compensate(ctx context.Context, state *models.SagaState) (result compensationResult) {
	correlationID := state.CorrelationID().String()

	defer func() {
		if r := recover(); r != nil {
			result.critical = true
			result.errors = append(result.errors, fmt.Sprintf("%s: %v", criticalRollbackFailure, r))
			o.logger.ErrorContext(ctx, "rollback routine panicked",
				"correlation_id", correlationID,
				"panic", fmt.Sprint(r),
			)
			if o.metrics != nil {
				o.metrics.IncrementCompensationFailure("routine")
			}
		}
	}()

	for _, documentID := range state.CreatedDocumentIDs() {
		if err := o.compensateDocument(ctx, documentID); err != nil {
			result.errors = append(result.errors, fmt.Sprintf("delete document %s: %v", documentID, err))
			o.logger.WarnContext(ctx, "document compensation failed",
				"correlation_id", correlationID,
				"document_id", documentID.String(),
				"error", err,
			)
			if o.metrics != nil {
				o.metrics.IncrementCompensationFailure("document")
			}
			continue
		}
		state.ForgetDocument(documentID)
		result.documentsDeleted++
	}

	if profileID, ok := state.CreatedProfileID(); ok {
		suspended, err := o.compensateProfile(ctx, state, profileID)
		if err != nil {
			result.errors = append(result.errors, fmt.Sprintf("suspend profile %s: %v", profileID, err))
			o.logger.WarnContext(ctx, "profile compensation failed",
				"correlation_id", correlationID,
				"profile_id", profileID.String(),
				"error", err,
			)
			if o.metrics != nil {
				o.metrics.IncrementCompensationFailure("profile")
			}
		}
		result.profileSuspended = suspended
	}
	return result
}

// compensateDocument hard-deletes a document. One that is already gone counts
// as compensated.
func (o *Orchestrator) compensateDocument(ctx context.Context, documentID id.DocumentID) error {
	if _, err := o.documents.FindByID(ctx, documentID); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			o.logger.InfoContext(ctx, "document already removed", "document_id", documentID.String())
			return nil
		}
		return err
	}
	if err := o.documents.Delete(ctx, documentID); err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return err
	}
	return nil
}

// compensateProfile suspends the profile instead of deleting it: reviewers may
// already reference it.
func (o *Orchestrator) compensateProfile(ctx context.Context, state *models.SagaState, profileID id.ProfileID) (bool, error) {
	profile, err := o.profiles.FindByID(ctx, profileID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			o.logger.WarnContext(ctx, "profile to suspend no longer exists",
				"correlation_id", state.CorrelationID().String(),
				"profile_id", profileID.String(),
			)
			return false, nil
		}
		return false, err
	}

	reason := fmt.Sprintf("verification saga %s rolled back: %s", state.CorrelationID(), state.ErrorMessage())
	if err := profile.Suspend(reason, requestcontext.Now(ctx)); err != nil {
		return false, err
	}
	if err := o.profiles.Update(ctx, profile); err != nil {
		return false, err
	}
	return true, nil
}
