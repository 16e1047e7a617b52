package taskrelay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records per-backend operation counters. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	attempts *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
	health   *prometheus.GaugeVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskrelay",
			Name:      "backend_attempts_total",
			Help:      "Backend calls attempted, including retries.",
		}, []string{"backend", "operation"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskrelay",
			Name:      "backend_failures_total",
			Help:      "Backend operations that ended in failure after retries.",
		}, []string{"backend", "operation"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskrelay",
			Name:      "backend_operation_seconds",
			Help:      "Wall time of a backend operation including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend", "operation"}),
		health: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taskrelay",
			Name:      "backend_health",
			Help:      "Last probed health: 1 healthy, 0.5 degraded, 0 unhealthy.",
		}, []string{"backend"}),
	}
	if registerer != nil {
		registerer.MustRegister(m.attempts, m.failures, m.duration, m.health)
	}
	return m
}

func (m *Metrics) observe(backend, operation string, outcome Outcome, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(backend, operation).Add(float64(outcome.Attempts))
	if outcome.Kind == OutcomeFailed {
		m.failures.WithLabelValues(backend, operation).Inc()
	}
	m.duration.WithLabelValues(backend, operation).Observe(elapsed.Seconds())
}

func (m *Metrics) observeHealth(backend string, report HealthReport) {
	if m == nil {
		return
	}
	value := 0.0
	switch report.Status {
	case HealthHealthy:
		value = 1
	case HealthDegraded:
		value = 0.5
	}
	m.health.WithLabelValues(backend).Set(value)
}
