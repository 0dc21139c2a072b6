package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// RefreshOutcomes counts refresh attempts by outcome
	RefreshOutcomes *prometheus.CounterVec
	// BatchDuration tracks the duration of full batch passes
	BatchDuration prometheus.Histogram
	// BatchSize tracks how many accounts each batch pass covered
	BatchSize prometheus.Histogram
	// EnabledAccounts tracks the number of enabled accounts after each batch
	EnabledAccounts prometheus.Gauge
	// CacheOperations counts cache mirror operations by result
	CacheOperations *prometheus.CounterVec
	// UsageResets counts daily usage reset runs
	UsageResets prometheus.Counter
	// UsageResetAccounts tracks how many accounts the last reset touched
	UsageResetAccounts prometheus.Gauge
	// AuthRequests counts calls to the authentication service
	AuthRequests *prometheus.CounterVec
	// RequestLatency tracks ops HTTP request latency by endpoint and method
	RequestLatency *prometheus.HistogramVec
	// HTTPRequestsTotal total ops HTTP requests
	HTTPRequestsTotal *prometheus.CounterVec
	// HTTPRequestsInFlight current ops HTTP requests being processed
	HTTPRequestsInFlight prometheus.Gauge
	// registry is the custom registry for this metrics instance
	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RefreshOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refresh_outcomes_total",
				Help:      "Total number of account refresh attempts by outcome",
			},
			[]string{"outcome"},
		),
		BatchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_duration_seconds",
				Help:      "Duration of full batch refresh passes",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		),
		BatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_size_accounts",
				Help:      "Number of accounts covered by each batch pass",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
		),
		EnabledAccounts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "enabled_accounts",
				Help:      "Number of enabled accounts after the last batch pass",
			},
		),
		CacheOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_operations_total",
				Help:      "Total number of cache mirror operations",
			},
			[]string{"operation", "status"},
		),
		UsageResets: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "usage_resets_total",
				Help:      "Total number of daily usage reset runs",
			},
		),
		UsageResetAccounts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "usage_reset_accounts",
				Help:      "Number of accounts touched by the last usage reset",
			},
		),
		AuthRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_requests_total",
				Help:      "Total number of authentication service calls",
			},
			[]string{"operation", "status"},
		),
		RequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_latency_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
	}

	// Register metrics with custom registry
	registry.MustRegister(
		m.RefreshOutcomes,
		m.BatchDuration,
		m.BatchSize,
		m.EnabledAccounts,
		m.CacheOperations,
		m.UsageResets,
		m.UsageResetAccounts,
		m.AuthRequests,
		m.RequestLatency,
		m.HTTPRequestsTotal,
		m.HTTPRequestsInFlight,
	)

	return m
}

// Handler returns a Prometheus handler for these metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Refresh outcomes

const (
	OutcomeRefreshed = "refreshed"
	OutcomeDisabled  = "disabled"
	OutcomeSkipped   = "skipped"
	OutcomePanicked  = "panicked"
)

// RecordRefreshOutcome records one refresh attempt
func (m *Metrics) RecordRefreshOutcome(outcome string) {
	m.RefreshOutcomes.WithLabelValues(outcome).Inc()
}

// RecordBatch records one completed batch pass
func (m *Metrics) RecordBatch(durationSeconds float64, size, enabled int) {
	m.BatchDuration.Observe(durationSeconds)
	m.BatchSize.Observe(float64(size))
	m.EnabledAccounts.Set(float64(enabled))
}

// RecordCacheOperation records a cache mirror operation
func (m *Metrics) RecordCacheOperation(operation, status string) {
	m.CacheOperations.WithLabelValues(operation, status).Inc()
}

// RecordUsageReset records one daily usage reset run
func (m *Metrics) RecordUsageReset(accounts int) {
	m.UsageResets.Inc()
	m.UsageResetAccounts.Set(float64(accounts))
}

// RecordAuthRequest records a call to the authentication service
func (m *Metrics) RecordAuthRequest(operation, status string) {
	m.AuthRequests.WithLabelValues(operation, status).Inc()
}

// RecordRequestLatency records the latency of an HTTP request
func (m *Metrics) RecordRequestLatency(endpoint, method, status string, durationSeconds float64) {
	m.RequestLatency.WithLabelValues(endpoint, method, status).Observe(durationSeconds)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(endpoint, method, status string) {
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
}

// IncHTTPRequestsInFlight increments the in-flight requests counter
func (m *Metrics) IncHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Inc()
}

// DecHTTPRequestsInFlight decrements the in-flight requests counter
func (m *Metrics) DecHTTPRequestsInFlight() {
	m.HTTPRequestsInFlight.Dec()
}
