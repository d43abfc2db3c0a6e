package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"idverify/internal/verification/lock"
	"idverify/internal/verification/metrics"
	"idverify/internal/verification/models"
	id "idverify/pkg/domain"
	dErrors "idverify/pkg/domain-errors"
	"idverify/pkg/platform/audit"
	"idverify/pkg/platform/sentinel"
	"idverify/pkg/requestcontext"
)

const (
	defaultSagaTimeout         = 15 * time.Minute
	defaultCompensationTimeout = 30 * time.Second
	defaultLockTTL             = 45 * time.Second

	tracerName = "idverify/verification"
)

type SagaStore interface {
	Create(ctx context.Context, state *models.SagaState) error
	FindByCorrelationID(ctx context.Context, correlationID id.CorrelationID) (*models.SagaState, error)
	Update(ctx context.Context, state *models.SagaState) error
}

type ProfileStore interface {
	FindByID(ctx context.Context, profileID id.ProfileID) (*models.Profile, error)
	Update(ctx context.Context, profile *models.Profile) error
}

type DocumentStore interface {
	FindByID(ctx context.Context, documentID id.DocumentID) (*models.Document, error)
	Delete(ctx context.Context, documentID id.DocumentID) error
}

type AuditPublisher interface {
	Emit(ctx context.Context, base audit.Event) error
}

// Orchestrator is the sole writer of saga state and the only caller of
// compensating operations on the profile and document stores.
type Orchestrator struct {
	sagas               SagaStore
	profiles            ProfileStore
	documents           DocumentStore
	locker              lock.Locker
	logger              *slog.Logger
	auditPublisher      AuditPublisher
	metrics             *metrics.Metrics
	tracer              trace.Tracer
	sagaTimeout         time.Duration
	compensationTimeout time.Duration
	lockTTL             time.Duration
}

type Option func(o *Orchestrator)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(o *Orchestrator) {
		o.auditPublisher = publisher
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithLocker serializes calls per correlation ID across replicas.
func WithLocker(locker lock.Locker) Option {
	return func(o *Orchestrator) {
		if locker != nil {
			o.locker = locker
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithSagaTimeout sets how long a saga may stay open before the reaper fails it.
func WithSagaTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.sagaTimeout = d
		}
	}
}

// WithCompensationTimeout bounds one rollback pass.
func WithCompensationTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.compensationTimeout = d
		}
	}
}

func WithLockTTL(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.lockTTL = d
		}
	}
}

func New(sagas SagaStore, profiles ProfileStore, documents DocumentStore, opts ...Option) (*Orchestrator, error) {
	if sagas == nil {
		return nil, errors.New("sagas store is required")
	}
	if profiles == nil {
		return nil, errors.New("profiles store is required")
	}
	if documents == nil {
		return nil, errors.New("documents store is required")
	}

	o := &Orchestrator{
		sagas:               sagas,
		profiles:            profiles,
		documents:           documents,
		locker:              lock.NoOpLocker{},
		logger:              slog.Default(),
		tracer:              otel.Tracer(tracerName),
		sagaTimeout:         defaultSagaTimeout,
		compensationTimeout: defaultCompensationTimeout,
		lockTTL:             defaultLockTTL,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// StartSaga opens a saga for subjectID. Storage errors are fatal.
func (o *Orchestrator) StartSaga(ctx context.Context, subjectID id.UserID, totalSteps int) (_ *models.SagaState, err error) {
	ctx, span := o.tracer.Start(ctx, "verification.StartSaga",
		trace.WithAttributes(attribute.Int("saga.total_steps", totalSteps)))
	defer func() { endSpan(span, err) }()

	now := requestcontext.Now(ctx)
	state, err := models.NewSagaState(id.NewCorrelationID(), subjectID, totalSteps, now, now.Add(o.sagaTimeout))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid saga request")
	}
	span.SetAttributes(attribute.String("saga.correlation_id", state.CorrelationID().String()))

	if err := o.sagas.Create(ctx, state); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create saga")
	}
	if o.metrics != nil {
		o.metrics.IncrementStarted()
	}
	o.logAudit(ctx, state, audit.EventSagaStarted, true, "",
		"total_steps", totalSteps,
	)
	return state, nil
}

// RecordStepCompleted appends forward progress. A missing saga is a warning,
// not an error: callers may report completion speculatively. Step numbers are
// accepted in any order and may repeat.
func (o *Orchestrator) RecordStepCompleted(ctx context.Context, correlationID id.CorrelationID, step int, stepName string, data any) (err error) {
	ctx, span := o.startSpan(ctx, "verification.RecordStepCompleted", correlationID,
		attribute.Int("saga.step", step), attribute.String("saga.step_name", stepName))
	defer func() { endSpan(span, err) }()

	raw, err := encodeStepData(data)
	if err != nil {
		return err
	}

	return o.withSaga(ctx, correlationID, func(state *models.SagaState) error {
		if state == nil {
			o.warnMissing(ctx, "record step completed", correlationID)
			return nil
		}
		now := requestcontext.Now(ctx)
		if state.IsPastDeadline(now) {
			return dErrors.New(dErrors.CodeTimeout, "saga deadline exceeded")
		}
		if err := state.RecordStep(step, stepName, raw, now); err != nil {
			return err
		}
		if err := o.save(ctx, state); err != nil {
			return err
		}
		o.logAudit(ctx, state, audit.EventSagaStepCompleted, true, "",
			"step", step,
			"step_name", stepName,
		)
		return nil
	})
}

// RecordProfileCreated attaches the profile the saga created so rollback
// can suspend it. Repeating the call with the same ID is a no-op.
func (o *Orchestrator) RecordProfileCreated(ctx context.Context, correlationID id.CorrelationID, profileID id.ProfileID) (err error) {
	ctx, span := o.startSpan(ctx, "verification.RecordProfileCreated", correlationID,
		attribute.String("saga.profile_id", profileID.String()))
	defer func() { endSpan(span, err) }()

	return o.withSaga(ctx, correlationID, func(state *models.SagaState) error {
		if state == nil {
			o.warnMissing(ctx, "record profile created", correlationID)
			return nil
		}
		attached, err := state.AttachProfile(profileID)
		if dErrors.HasCode(err, dErrors.CodeInvalidState) {
			o.reportOrphan(ctx, state, "profile", profileID.String())
		}
		if err != nil || !attached {
			return err
		}
		return o.save(ctx, state)
	})
}

// RecordDocumentCreated attaches a document the saga created so rollback can
// delete it. Repeating the call with the same ID is a no-op.
func (o *Orchestrator) RecordDocumentCreated(ctx context.Context, correlationID id.CorrelationID, documentID id.DocumentID) (err error) {
	ctx, span := o.startSpan(ctx, "verification.RecordDocumentCreated", correlationID,
		attribute.String("saga.document_id", documentID.String()))
	defer func() { endSpan(span, err) }()

	return o.withSaga(ctx, correlationID, func(state *models.SagaState) error {
		if state == nil {
			o.warnMissing(ctx, "record document created", correlationID)
			return nil
		}
		attached, err := state.AttachDocument(documentID)
		if dErrors.HasCode(err, dErrors.CodeInvalidState) {
			o.reportOrphan(ctx, state, "document", documentID.String())
		}
		if err != nil || !attached {
			return err
		}
		return o.save(ctx, state)
	})
}

// CompleteSaga moves the saga to its success terminal.
func (o *Orchestrator) CompleteSaga(ctx context.Context, correlationID id.CorrelationID) (err error) {
	ctx, span := o.startSpan(ctx, "verification.CompleteSaga", correlationID)
	defer func() { endSpan(span, err) }()

	return o.withSaga(ctx, correlationID, func(state *models.SagaState) error {
		if state == nil {
			return dErrors.New(dErrors.CodeNotFound, "saga not found")
		}
		now := requestcontext.Now(ctx)
		if state.IsPastDeadline(now) {
			return dErrors.New(dErrors.CodeTimeout, "saga deadline exceeded")
		}
		if err := state.Complete(now); err != nil {
			return err
		}
		if err := o.save(ctx, state); err != nil {
			return err
		}
		if o.metrics != nil {
			o.metrics.IncrementCompleted()
			o.metrics.ObserveSagaDuration(state.RequestedAt(), now)
		}
		_, hasProfile := state.CreatedProfileID()
		attrs := []any{
			"total_steps", state.TotalSteps(),
			"steps_recorded", state.StepCount(),
			"documents_created", len(state.CreatedDocumentIDs()),
			"profile_created", hasProfile,
		}
		if last, ok := state.LastStep(); ok {
			attrs = append(attrs, "last_step", last.StepName)
		}
		o.logAudit(ctx, state, audit.EventSagaCompleted, true, "", attrs...)
		return nil
	})
}

// GetSaga returns a read-only view of the saga.
func (o *Orchestrator) GetSaga(ctx context.Context, correlationID id.CorrelationID) (_ *models.SagaState, err error) {
	ctx, span := o.startSpan(ctx, "verification.GetSaga", correlationID)
	defer func() { endSpan(span, err) }()

	state, err := o.load(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, dErrors.New(dErrors.CodeNotFound, "saga not found")
	}
	return state, nil
}

// withSaga runs fn under the per-saga lock with the freshly loaded state.
// fn receives nil when the saga does not exist.
func (o *Orchestrator) withSaga(ctx context.Context, correlationID id.CorrelationID, fn func(state *models.SagaState) error) error {
	release, err := o.acquire(ctx, correlationID)
	if err != nil {
		return err
	}
	defer release()

	state, err := o.load(ctx, correlationID)
	if err != nil {
		return err
	}
	return fn(state)
}

func (o *Orchestrator) acquire(ctx context.Context, correlationID id.CorrelationID) (func(), error) {
	key := correlationID.String()
	token, err := o.locker.Acquire(ctx, key, o.lockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "saga is busy with another operation")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to lock saga")
	}
	return func() {
		// Release must run even when the caller's context is already cancelled.
		if err := o.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			o.logger.WarnContext(ctx, "failed to release saga lock",
				"correlation_id", key,
				"error", err,
			)
		}
	}, nil
}

// load returns nil, nil when the saga does not exist.
func (o *Orchestrator) load(ctx context.Context, correlationID id.CorrelationID) (*models.SagaState, error) {
	state, err := o.sagas.FindByCorrelationID(ctx, correlationID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load saga")
	}
	return state, nil
}

func (o *Orchestrator) save(ctx context.Context, state *models.SagaState) error {
	err := o.sagas.Update(ctx, state)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sentinel.ErrConflict):
		if o.metrics != nil {
			o.metrics.IncrementVersionConflict()
		}
		return dErrors.Wrap(err, dErrors.CodeConflict, "saga was modified concurrently")
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeNotFound, "saga not found")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to persist saga")
	}
}

// reportOrphan flags a resource reported after the saga closed. No rollback
// pass will delete it, so an operator has to.
func (o *Orchestrator) reportOrphan(ctx context.Context, state *models.SagaState, resource, resourceID string) {
	o.logger.ErrorContext(ctx, "resource reported after saga closed, not compensated",
		"correlation_id", state.CorrelationID().String(),
		"status", state.Status().String(),
		"resource", resource,
		resource+"_id", resourceID,
	)
	if o.metrics != nil {
		o.metrics.IncrementOrphanedResource(resource)
	}
}

func (o *Orchestrator) warnMissing(ctx context.Context, op string, correlationID id.CorrelationID) {
	o.logger.WarnContext(ctx, "saga not found, ignoring "+op,
		"correlation_id", correlationID.String(),
	)
}

func (o *Orchestrator) startSpan(ctx context.Context, name string, correlationID id.CorrelationID, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("saga.correlation_id", correlationID.String()))
	return o.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
	}
	span.End()
}

// encodeStepData serializes caller step data. Raw JSON is stored as given.
func encodeStepData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, dErrors.New(dErrors.CodeInvalidInput, "step data is not valid JSON")
		}
		return v, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "step data cannot be serialized")
	}
	return raw, nil
}
