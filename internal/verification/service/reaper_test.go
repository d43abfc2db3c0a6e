package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"idverify/internal/verification/lock"
	"idverify/internal/verification/models"
	id "idverify/pkg/domain"
	"idverify/pkg/platform/audit"
	"idverify/pkg/requestcontext"
)

// Reaper tests reuse the orchestrator suite fixtures: sagas are started at
// s.now with a 15 minute deadline and swept an hour later.

func (s *OrchestratorSuite) newReaper(opts ...ReaperOption) *Reaper {
	base := []ReaperOption{
		WithReaperLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithReaperMetrics(s.metrics),
	}
	r, err := NewReaper(s.sagas, s.service, append(base, opts...)...)
	s.Require().NoError(err)
	return r
}

func (s *OrchestratorSuite) sweepAt(r *Reaper, at time.Time) SweepResult {
	result, err := r.Sweep(requestcontext.WithTime(context.Background(), at))
	s.Require().NoError(err)
	return result
}

// storeStuckSaga persists a saga directly, as if the process crashed right
// after the given transitions.
func (s *OrchestratorSuite) storeStuckSaga(prepare func(state *models.SagaState)) *models.SagaState {
	state, err := models.NewSagaState(id.NewCorrelationID(), id.UserID(uuid.New()), 3, s.now, s.now.Add(15*time.Minute))
	s.Require().NoError(err)
	prepare(state)
	s.Require().NoError(s.sagas.Create(s.ctx, state))
	return state
}

func (s *OrchestratorSuite) TestNewReaper() {
	_, err := NewReaper(nil, s.service)
	s.Error(err)

	_, err = NewReaper(s.sagas, nil)
	s.Error(err)

	_, err = NewReaper(s.sagas, s.service, WithReaperSchedule("every so often"))
	s.Error(err)
}

func (s *OrchestratorSuite) TestReaperExpiresOpenSagas() {
	corrID, docID, profileID := s.sagaThroughStepTwo()
	idle := s.startSaga(3)
	r := s.newReaper()

	s.Run("nothing is due before the deadline", func() {
		result := s.sweepAt(r, s.now.Add(10*time.Minute))
		s.Equal(0, result.Examined)
		s.Equal(models.StatusInProgress, s.saga(corrID).Status())
	})

	s.Run("expired saga is failed and rolled back", func() {
		result := s.sweepAt(r, s.now.Add(time.Hour))
		s.Equal(2, result.Examined)
		s.Equal(2, result.Expired)
		s.Zero(result.Errors)

		got := s.saga(corrID)
		s.Equal(models.StatusRolledBack, got.Status())
		s.Equal(deadlineExceededMessage, got.ErrorMessage())
		step, _ := got.FailedAtStep()
		s.Equal(2, step)

		_, err := s.documents.FindByID(s.ctx, docID)
		s.Error(err)
		profile, err := s.profiles.FindByID(s.ctx, profileID)
		s.Require().NoError(err)
		s.True(profile.IsSuspended())

		s.Equal(models.StatusRolledBack, s.saga(idle).Status())
		s.Contains(s.publisher.actions(), string(audit.EventSagaDeadlineExceeded))
		s.Equal(float64(2), testutil.ToFloat64(s.metrics.ReaperActions.WithLabelValues("expired")))
	})

	s.Run("a second sweep finds nothing", func() {
		result := s.sweepAt(r, s.now.Add(2*time.Hour))
		s.Equal(0, result.Examined)
	})
}

func (s *OrchestratorSuite) TestReaperFinishesCrashedRollbacks() {
	userID := id.UserID(uuid.New())
	docID := s.seedDocument(userID)

	failed := s.storeStuckSaga(func(state *models.SagaState) {
		_, err := state.AttachDocument(docID)
		s.Require().NoError(err)
		s.Require().NoError(state.Fail(1, "selfie rejected"))
	})

	orphanDoc := s.seedDocument(userID)
	rollingBack := s.storeStuckSaga(func(state *models.SagaState) {
		_, err := state.AttachDocument(orphanDoc)
		s.Require().NoError(err)
		s.Require().NoError(state.Fail(2, "liveness check timed out"))
		s.Require().NoError(state.BeginRollback())
	})

	result := s.sweepAt(s.newReaper(), s.now.Add(time.Hour))
	s.Equal(2, result.Examined)
	s.Equal(1, result.RollbackRetried)
	s.Equal(1, result.RollbackResumed)
	s.Zero(result.Errors)

	got := s.saga(failed.CorrelationID())
	s.Equal(models.StatusRolledBack, got.Status())
	s.Equal("selfie rejected", got.ErrorMessage())

	got = s.saga(rollingBack.CorrelationID())
	s.Equal(models.StatusRolledBack, got.Status())
	s.Empty(got.CreatedDocumentIDs())

	for _, d := range []id.DocumentID{docID, orphanDoc} {
		_, err := s.documents.FindByID(s.ctx, d)
		s.Error(err)
	}
}

func (s *OrchestratorSuite) TestReaperCountsPerSagaErrors() {
	corrID, docID, _ := s.sagaThroughStepTwo()
	s.documents.failDelete(docID, errors.New("bucket locked"))

	result := s.sweepAt(s.newReaper(), s.now.Add(time.Hour))
	s.Equal(1, result.Expired)
	s.Zero(result.Errors, "a partial rollback is still a handled saga")
	s.Equal(models.StatusPartiallyRolledBack, s.saga(corrID).Status())
}

func (s *OrchestratorSuite) TestReaperLeavesBusySagaAlone() {
	locker := lock.NewInMemoryLocker()
	s.service = s.newOrchestrator(WithLocker(locker))
	corrID := s.startSaga(3)

	token, err := locker.Acquire(s.ctx, corrID.String(), time.Hour)
	s.Require().NoError(err)
	defer func() { _ = locker.Release(s.ctx, corrID.String(), token) }()

	result := s.sweepAt(s.newReaper(), s.now.Add(time.Hour))
	s.Equal(1, result.Examined)
	s.Zero(result.Expired)
	s.Equal(1, result.Errors)
	s.Equal(models.StatusStarted, s.saga(corrID).Status())
	s.NotContains(s.publisher.actions(), string(audit.EventSagaDeadlineExceeded))
}

func (s *OrchestratorSuite) TestReaperSkipsSagaFinishedAfterListing() {
	corrID := s.startSaga(1)
	listed := s.saga(corrID)
	s.Require().NoError(s.service.CompleteSaga(s.ctx, corrID))

	finder := staleFinderFunc(func(context.Context, time.Time, []models.Status, int) ([]*models.SagaState, error) {
		return []*models.SagaState{listed}, nil
	})
	r, err := NewReaper(finder, s.service,
		WithReaperLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.Require().NoError(err)

	result, err := r.Sweep(requestcontext.WithTime(context.Background(), s.now.Add(time.Hour)))
	s.Require().NoError(err)
	s.Zero(result.Expired)
	s.Zero(result.Errors)
	s.Equal(models.StatusCompleted, s.saga(corrID).Status())
	s.NotContains(s.publisher.actions(), string(audit.EventSagaDeadlineExceeded))
}

func (s *OrchestratorSuite) TestReaperListingFailure() {
	finder := staleFinderFunc(func(context.Context, time.Time, []models.Status, int) ([]*models.SagaState, error) {
		return nil, errors.New("replica lagging")
	})
	r, err := NewReaper(finder, s.service,
		WithReaperLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.Require().NoError(err)

	_, err = r.Sweep(s.ctx)
	s.Error(err)
}

func (s *OrchestratorSuite) TestReaperHonoursBatchSize() {
	for range 3 {
		s.startSaga(1)
	}
	result := s.sweepAt(s.newReaper(WithReaperBatchSize(2)), s.now.Add(time.Hour))
	s.Equal(2, result.Examined)
}

func (s *OrchestratorSuite) TestReaperRunStopsOnCancel() {
	// Run sweeps on the wall clock.
	current := s.startSagaAt(time.Now())
	stale := s.startSagaAt(time.Now().Add(-time.Hour))

	r := s.newReaper(WithReaperSchedule("@every 1s"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	s.Eventually(func() bool {
		state, err := s.sagas.FindByCorrelationID(context.Background(), stale)
		return err == nil && state.Status().IsTerminal()
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(5 * time.Second):
		s.Fail("reaper did not stop after cancellation")
	}
	s.Equal(models.StatusStarted, s.saga(current).Status(), "sagas within their window are untouched")
}

func (s *OrchestratorSuite) startSagaAt(at time.Time) id.CorrelationID {
	state, err := s.service.StartSaga(requestcontext.WithTime(context.Background(), at), id.UserID(uuid.New()), 2)
	s.Require().NoError(err)
	return state.CorrelationID()
}

type staleFinderFunc func(ctx context.Context, before time.Time, statuses []models.Status, limit int) ([]*models.SagaState, error)

func (f staleFinderFunc) ListStale(ctx context.Context, before time.Time, statuses []models.Status, limit int) ([]*models.SagaState, error) {
	return f(ctx, before, statuses, limit)
}
