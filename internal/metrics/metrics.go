package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors of one validation layer. A nil *Metrics
// records nothing.
type Metrics struct {
	EndpointResponses *prometheus.CounterVec

	Calls              *prometheus.CounterVec
	CallDuration       prometheus.Histogram
	ValidationFailures *prometheus.CounterVec

	LiveHandles        prometheus.Gauge
	HandlesRegistered  prometheus.Counter
	HandlesInvalidated prometheus.Counter
	LeakSuspects       prometheus.Gauge
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EndpointResponses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "endpoint_responses_total",
			Help: "The total number of endpoint responses",
		}, []string{"endpoint", "status_code"}),

		Calls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "zesval_calls_total",
			Help: "Total number of intercepted calls by entry point and returned result",
		}, []string{"call", "result"}),

		CallDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "zesval_call_duration_seconds",
			Help:    "Duration of intercepted calls including validation",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10), // 1us to ~0.26s
		}),

		ValidationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "zesval_validation_failures_total",
			Help: "Total number of validation failures by validator and outcome",
		}, []string{"validator", "outcome"}),

		LiveHandles: f.NewGauge(prometheus.GaugeOpts{
			Name: "zesval_live_handles",
			Help: "Number of handles currently tracked as live",
		}),

		HandlesRegistered: f.NewCounter(prometheus.CounterOpts{
			Name: "zesval_handles_registered_total",
			Help: "Total number of handles registered by successful calls",
		}),

		HandlesInvalidated: f.NewCounter(prometheus.CounterOpts{
			Name: "zesval_handles_invalidated_total",
			Help: "Total number of handles invalidated by destroy, reset and cascades",
		}),

		LeakSuspects: f.NewGauge(prometheus.GaugeOpts{
			Name: "zesval_leak_suspects",
			Help: "Number of leak suspects found by the last teardown",
		}),
	}
}

// ObserveCall counts one intercepted call.
func (m *Metrics) ObserveCall(call, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.Calls.WithLabelValues(call, result).Inc()
	m.CallDuration.Observe(took.Seconds())
}

// ObserveFailure counts one failing validator outcome.
func (m *Metrics) ObserveFailure(validator, outcome string) {
	if m == nil {
		return
	}
	m.ValidationFailures.WithLabelValues(validator, outcome).Inc()
}

// ObserveHandles records handle population changes.
func (m *Metrics) ObserveHandles(registered, invalidated, live int) {
	if m == nil {
		return
	}
	m.HandlesRegistered.Add(float64(registered))
	m.HandlesInvalidated.Add(float64(invalidated))
	m.LiveHandles.Set(float64(live))
}

// SetLeakSuspects records the size of the last teardown report.
func (m *Metrics) SetLeakSuspects(n int) {
	if m == nil {
		return
	}
	m.LeakSuspects.Set(float64(n))
}
