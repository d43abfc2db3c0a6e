package publisher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for audit publishing.
type Metrics struct {
	Persisted       prometheus.Counter
	PersistFailures prometheus.Counter
	Dropped         prometheus.Counter
	FallbackWrites  prometheus.Counter
	SampledOut      prometheus.Counter
	CircuitState    prometheus.Gauge
}

// NewMetrics registers the publisher metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Persisted: factory.NewCounter(prometheus.CounterOpts{
			Name: "idverify_audit_persisted_total",
			Help: "Total number of audit events accepted by the primary store",
		}),
		PersistFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "idverify_audit_persist_failures_total",
			Help: "Total number of audit events the primary store rejected",
		}),
		Dropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "idverify_audit_dropped_total",
			Help: "Total number of audit events dropped because the buffer was full",
		}),
		FallbackWrites: factory.NewCounter(prometheus.CounterOpts{
			Name: "idverify_audit_fallback_writes_total",
			Help: "Total number of audit events written to the fallback store",
		}),
		SampledOut: factory.NewCounter(prometheus.CounterOpts{
			Name: "idverify_audit_sampled_out_total",
			Help: "Total number of operations events skipped by the sampler",
		}),
		CircuitState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "idverify_audit_circuit_state",
			Help: "Primary audit store circuit state (0=closed, 1=open)",
		}),
	}
}

func (m *Metrics) incPersisted() {
	if m != nil {
		m.Persisted.Inc()
	}
}

func (m *Metrics) incPersistFailures() {
	if m != nil {
		m.PersistFailures.Inc()
	}
}

func (m *Metrics) incDropped() {
	if m != nil {
		m.Dropped.Inc()
	}
}

func (m *Metrics) incFallback() {
	if m != nil {
		m.FallbackWrites.Inc()
	}
}

func (m *Metrics) incSampledOut() {
	if m != nil {
		m.SampledOut.Inc()
	}
}

func (m *Metrics) setCircuitOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.CircuitState.Set(1)
		return
	}
	m.CircuitState.Set(0)
}
