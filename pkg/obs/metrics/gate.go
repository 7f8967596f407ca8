package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// GateMetrics counts gating decisions per operation and outcome. It satisfies
// the pipeline observer interface.
type GateMetrics struct {
	decisions *prometheus.CounterVec
}

// NewGateMetrics registers gate collectors on the given registry.
func NewGateMetrics(reg *prometheus.Registry) *GateMetrics {
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sealgate",
		Subsystem: "gate",
		Name:      "decisions_total",
		Help:      "Total gated requests, partitioned by operation and outcome.",
	}, []string{"operation", "outcome"})
	_ = reg.Register(decisions)
	return &GateMetrics{decisions: decisions}
}

func (g *GateMetrics) ObserveOutcome(operation, outcome string) {
	g.decisions.WithLabelValues(operation, outcome).Inc()
}

// RateLimitMetrics counts limiter verdicts per endpoint. It satisfies the
// ratelimit observer interface.
type RateLimitMetrics struct {
	checks *prometheus.CounterVec
}

// NewRateLimitMetrics registers limiter collectors on the given registry.
func NewRateLimitMetrics(reg *prometheus.Registry) *RateLimitMetrics {
	checks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sealgate",
		Subsystem: "ratelimit",
		Name:      "checks_total",
		Help:      "Total rate limit checks, partitioned by endpoint and verdict.",
	}, []string{"endpoint", "verdict"})
	_ = reg.Register(checks)
	return &RateLimitMetrics{checks: checks}
}

func (m *RateLimitMetrics) ObserveDecision(endpoint string, allowed bool) {
	verdict := "allowed"
	if !allowed {
		verdict = "denied"
	}
	m.checks.WithLabelValues(endpoint, verdict).Inc()
}

// AuditMetrics tracks the audit queue. Dropped events are the signal to
// enlarge the queue or fix the sink. It satisfies the audit observer
// interface.
type AuditMetrics struct {
	writes  *prometheus.CounterVec
	dropped prometheus.Counter
}

// NewAuditMetrics registers audit collectors on the given registry.
func NewAuditMetrics(reg *prometheus.Registry) *AuditMetrics {
	writes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sealgate",
		Subsystem: "audit",
		Name:      "writes_total",
		Help:      "Total audit events handed to the sink, partitioned by result.",
	}, []string{"result"})
	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sealgate",
		Subsystem: "audit",
		Name:      "dropped_total",
		Help:      "Total audit events dropped because the queue was full.",
	})
	_ = reg.Register(writes)
	_ = reg.Register(dropped)
	return &AuditMetrics{writes: writes, dropped: dropped}
}

func (m *AuditMetrics) ObserveWrite(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.writes.WithLabelValues(result).Inc()
}

func (m *AuditMetrics) ObserveDrop() {
	m.dropped.Inc()
}
