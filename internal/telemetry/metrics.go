package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the sigil service.
type Metrics struct {
	RequestTotal          *prometheus.CounterVec
	RequestDurationMs     *prometheus.HistogramVec
	MintTotal             *prometheus.CounterVec
	IdempotencyTotal      *prometheus.CounterVec
	CacheLookupTotal      *prometheus.CounterVec
	RefreshTotal          *prometheus.CounterVec
	RefreshDurationMs     *prometheus.HistogramVec
	IntegrityFailureTotal *prometheus.CounterVec
	RateLimitTotal        *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		RequestTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sigil_request_total",
			Help: "Total number of HTTP requests handled.",
		}, []string{"route", "method", "status"}),

		RequestDurationMs: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sigil_request_duration_ms",
			Help:    "HTTP request duration in milliseconds.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}, []string{"route"}),

		MintTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sigil_mint_total",
			Help: "Mint outcomes by resource.",
		}, []string{"resource", "result"}),

		IdempotencyTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sigil_idempotency_total",
			Help: "Idempotency protocol outcomes.",
		}, []string{"outcome"}),

		CacheLookupTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sigil_cache_lookup_total",
			Help: "Provider metadata cache lookups by result.",
		}, []string{"provider", "result"}),

		RefreshTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sigil_refresh_total",
			Help: "Provider metadata refresh attempts.",
		}, []string{"provider", "result"}),

		RefreshDurationMs: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sigil_refresh_duration_ms",
			Help:    "Provider metadata refresh duration in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"provider"}),

		IntegrityFailureTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sigil_integrity_failure_total",
			Help: "Records whose integrity tag failed verification at read time.",
		}, []string{"resource"}),

		RateLimitTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sigil_ratelimit_total",
			Help: "Requests rejected by the per-scope rate limiter.",
		}, []string{"scope"}),
	}
}

// RecordRequest records metrics for a completed HTTP request.
func (m *Metrics) RecordRequest(labels RequestLabels) {
	m.RequestTotal.WithLabelValues(labels.Route, labels.Method, labels.Status).Inc()
	m.RequestDurationMs.WithLabelValues(labels.Route).Observe(labels.DurationMs)
}

// RecordMint records a mint outcome for a resource.
func (m *Metrics) RecordMint(resource, result string) {
	m.MintTotal.WithLabelValues(resource, result).Inc()
}

// RecordIdempotency records an idempotency protocol outcome.
func (m *Metrics) RecordIdempotency(outcome string) {
	m.IdempotencyTotal.WithLabelValues(outcome).Inc()
}

// RecordCacheLookup records a provider cache lookup result.
func (m *Metrics) RecordCacheLookup(provider, result string) {
	m.CacheLookupTotal.WithLabelValues(provider, result).Inc()
}

// RecordRefresh records one provider metadata refresh attempt.
func (m *Metrics) RecordRefresh(provider, result string, durationMs float64) {
	m.RefreshTotal.WithLabelValues(provider, result).Inc()
	m.RefreshDurationMs.WithLabelValues(provider).Observe(durationMs)
}

// RecordIntegrityFailure records a failed integrity tag verification.
func (m *Metrics) RecordIntegrityFailure(resource string) {
	m.IntegrityFailureTotal.WithLabelValues(resource).Inc()
}

// RecordRateLimitHit records a request rejected by the rate limiter.
func (m *Metrics) RecordRateLimitHit(scope string) {
	m.RateLimitTotal.WithLabelValues(scope).Inc()
}

// RequestLabels holds the label values for recording a request.
type RequestLabels struct {
	Route      string
	Method     string
	Status     string
	DurationMs float64
}
