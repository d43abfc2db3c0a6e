package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the verification saga.
// Tracks lifecycle outcomes, compensation failures and end-to-end duration.
type Metrics struct {
	SagasStarted         prometheus.Counter
	SagasCompleted       prometheus.Counter
	SagasFailed          prometheus.Counter
	Rollbacks            *prometheus.CounterVec
	CompensationFailures *prometheus.CounterVec
	VersionConflicts     prometheus.Counter
	OrphanedResources    *prometheus.CounterVec
	ReaperActions        *prometheus.CounterVec
	SagaDuration         prometheus.Histogram
}

// New creates a Metrics instance registered with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SagasStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "idverify_sagas_started_total",
			Help: "Total number of verification sagas started",
		}),
		SagasCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "idverify_sagas_completed_total",
			Help: "Total number of verification sagas that completed successfully",
		}),
		SagasFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "idverify_sagas_failed_total",
			Help: "Total number of verification sagas that reported a step failure",
		}),
		Rollbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "idverify_saga_rollbacks_total",
			Help: "Rollback outcomes by final status",
		}, []string{"status"}),
		CompensationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "idverify_saga_compensation_failures_total",
			Help: "Individual compensation failures by resource kind",
		}, []string{"resource"}),
		VersionConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "idverify_saga_version_conflicts_total",
			Help: "Saga writes rejected because another writer updated the saga first",
		}),
		OrphanedResources: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "idverify_saga_orphaned_resources_total",
			Help: "Resources reported after their saga closed, which rollback will not delete",
		}, []string{"resource"}),
		ReaperActions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "idverify_saga_reaper_actions_total",
			Help: "Stale sagas handled by the reaper, by action",
		}, []string{"action"}),
		SagaDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "idverify_saga_duration_seconds",
			Help:    "Time from saga start to a terminal status",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 900},
		}),
	}
}

func (m *Metrics) IncrementStarted() {
	m.SagasStarted.Inc()
}

func (m *Metrics) IncrementCompleted() {
	m.SagasCompleted.Inc()
}

func (m *Metrics) IncrementFailed() {
	m.SagasFailed.Inc()
}

func (m *Metrics) IncrementRollback(status string) {
	m.Rollbacks.WithLabelValues(status).Inc()
}

// IncrementCompensationFailure records one failed undo. resource is
// "document", "profile" or "routine".
func (m *Metrics) IncrementCompensationFailure(resource string) {
	m.CompensationFailures.WithLabelValues(resource).Inc()
}

func (m *Metrics) IncrementVersionConflict() {
	m.VersionConflicts.Inc()
}

// IncrementOrphanedResource counts a resource left outside any rollback.
// resource is "document" or "profile".
func (m *Metrics) IncrementOrphanedResource(resource string) {
	m.OrphanedResources.WithLabelValues(resource).Inc()
}

func (m *Metrics) IncrementReaperAction(action string) {
	m.ReaperActions.WithLabelValues(action).Inc()
}

// ObserveSagaDuration records the lifetime of a saga that reached a terminal status.
func (m *Metrics) ObserveSagaDuration(requestedAt, now time.Time) {
	m.SagaDuration.Observe(now.Sub(requestedAt).Seconds())
}
