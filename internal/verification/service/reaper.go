package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"idverify/internal/verification/metrics"
	"idverify/internal/verification/models"
	"idverify/pkg/platform/audit"
	"idverify/pkg/requestcontext"
)

const (
	defaultReaperSchedule  = "@every 1m"
	defaultReaperBatchSize = 100

	deadlineExceededMessage = "saga deadline exceeded"
)

// reapableStatuses are the non-terminal statuses a stale saga can be stuck in.
var reapableStatuses = []models.Status{
	models.StatusStarted,
	models.StatusInProgress,
	models.StatusFailed,
	models.StatusRollingBack,
}

// StaleSagaFinder lists sagas whose deadline passed before the cutoff.
type StaleSagaFinder interface {
	ListStale(ctx context.Context, before time.Time, statuses []models.Status, limit int) ([]*models.SagaState, error)
}

// Reaper drives sagas abandoned by their caller to a terminal status.
type Reaper struct {
	finder       StaleSagaFinder
	orchestrator *Orchestrator
	schedule     string
	batchSize    int
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

type ReaperOption func(r *Reaper)

// WithReaperSchedule takes a standard cron expression or descriptor.
func WithReaperSchedule(schedule string) ReaperOption {
	return func(r *Reaper) {
		if schedule != "" {
			r.schedule = schedule
		}
	}
}

func WithReaperBatchSize(n int) ReaperOption {
	return func(r *Reaper) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithReaperLogger(logger *slog.Logger) ReaperOption {
	return func(r *Reaper) {
		r.logger = logger
	}
}

func WithReaperMetrics(m *metrics.Metrics) ReaperOption {
	return func(r *Reaper) {
		r.metrics = m
	}
}

func NewReaper(finder StaleSagaFinder, orchestrator *Orchestrator, opts ...ReaperOption) (*Reaper, error) {
	if finder == nil {
		return nil, errors.New("stale saga finder is required")
	}
	if orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	r := &Reaper{
		finder:       finder,
		orchestrator: orchestrator,
		schedule:     defaultReaperSchedule,
		batchSize:    defaultReaperBatchSize,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if _, err := cron.ParseStandard(r.schedule); err != nil {
		return nil, fmt.Errorf("invalid reaper schedule %q: %w", r.schedule, err)
	}
	return r, nil
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Examined        int
	Expired         int
	RollbackRetried int
	RollbackResumed int
	Errors          int
}

// Sweep handles one batch of stale sagas. Per-saga errors are counted and
// logged; only a failed listing aborts the sweep.
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	now := requestcontext.Now(ctx)
	ctx = requestcontext.WithTime(ctx, now)

	var result SweepResult
	stale, err := r.finder.ListStale(ctx, now, reapableStatuses, r.batchSize)
	if err != nil {
		return result, fmt.Errorf("list stale sagas: %w", err)
	}

	for _, state := range stale {
		result.Examined++
		action, err := r.reap(ctx, state)
		if err != nil {
			result.Errors++
			action = "error"
			r.logger.WarnContext(ctx, "failed to reap saga",
				"correlation_id", state.CorrelationID().String(),
				"status", state.Status().String(),
				"error", err,
			)
		}
		switch action {
		case "expired":
			result.Expired++
		case "rollback_retried":
			result.RollbackRetried++
		case "rollback_resumed":
			result.RollbackResumed++
		}
		if r.metrics != nil {
			r.metrics.IncrementReaperAction(action)
		}
	}
	return result, nil
}

func (r *Reaper) reap(ctx context.Context, state *models.SagaState) (string, error) {
	correlationID := state.CorrelationID()
	switch state.Status() {
	case models.StatusStarted, models.StatusInProgress:
		outcome, err := r.orchestrator.FailSaga(ctx, correlationID, state.CurrentStep(), deadlineExceededMessage)
		if outcome == RollbackAlreadyTerminal {
			// finished between the listing and the lock
			return "skipped", nil
		}
		if err != nil {
			return "", err
		}
		if outcome != RollbackClean && outcome != RollbackPartial {
			// gone, or another caller is already rolling it back
			return "skipped", nil
		}
		failed, err := r.orchestrator.load(ctx, correlationID)
		if err != nil || failed == nil {
			failed = state
		}
		r.orchestrator.logAudit(ctx, failed, audit.EventSagaDeadlineExceeded, false, deadlineExceededMessage,
			"deadline", state.Deadline().Format(time.RFC3339),
			"current_step", state.CurrentStep(),
		)
		return "expired", nil
	case models.StatusFailed:
		_, err := r.orchestrator.RollbackSaga(ctx, correlationID)
		return "rollback_retried", err
	case models.StatusRollingBack:
		_, err := r.orchestrator.ResumeRollback(ctx, correlationID)
		return "rollback_resumed", err
	default:
		return "skipped", nil
	}
}

// Run sweeps on the configured schedule until ctx is cancelled. Overlapping
// sweeps are skipped.
func (r *Reaper) Run(ctx context.Context) error {
	logger := cronLogger{logger: r.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(r.schedule, func() {
		result, err := r.Sweep(ctx)
		if err != nil {
			r.logger.ErrorContext(ctx, "saga reaper sweep failed", "error", err)
			return
		}
		if result.Examined > 0 {
			r.logger.InfoContext(ctx, "saga reaper sweep finished",
				"examined", result.Examined,
				"expired", result.Expired,
				"rollback_retried", result.RollbackRetried,
				"rollback_resumed", result.RollbackResumed,
				"errors", result.Errors,
			)
		}
	}); err != nil {
		return fmt.Errorf("schedule reaper: %w", err)
	}

	r.logger.InfoContext(ctx, "saga reaper started", "schedule", r.schedule)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	r.logger.InfoContext(context.WithoutCancel(ctx), "saga reaper stopped")
	return nil
}

// cronLogger adapts slog to cron's logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
