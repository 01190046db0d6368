package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics manages the Prometheus metrics.
type Metrics struct {
	Verifications       *prometheus.CounterVec
	VerificationLatency prometheus.Histogram
	JWKSFetches         *prometheus.CounterVec
	JWKSFetchLatency    prometheus.Histogram
	CacheLookups        *prometheus.CounterVec
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestLatency  *prometheus.HistogramVec
}

// NewMetrics creates the metrics and registers them with reg.
// A nil reg registers with the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Verifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jwksverify_verifications_total",
				Help: "Total number of token verifications by result.",
			},
			[]string{"result"},
		),
		VerificationLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "jwksverify_verification_duration_seconds",
				Help:    "Latency of token verifications.",
				Buckets: prometheus.DefBuckets,
			},
		),
		JWKSFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jwksverify_jwks_fetches_total",
				Help: "Total number of key set fetches from the identity provider.",
			},
			[]string{"result"},
		),
		JWKSFetchLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "jwksverify_jwks_fetch_duration_seconds",
				Help:    "Latency of key set fetches.",
				Buckets: prometheus.DefBuckets,
			},
		),
		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jwksverify_cache_lookups_total",
				Help: "Key set cache lookups by result.",
			},
			[]string{"result"},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jwksverify_http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jwksverify_http_request_duration_seconds",
				Help:    "Latency of HTTP requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// RecordVerification records one verification; result is "valid" or an error kind.
func (m *Metrics) RecordVerification(result string, duration time.Duration) {
	m.Verifications.WithLabelValues(result).Inc()
	m.VerificationLatency.Observe(duration.Seconds())
}

// RecordJWKSFetch records one key set fetch.
func (m *Metrics) RecordJWKSFetch(ok bool, duration time.Duration) {
	result := "success"
	if !ok {
		result = "failure"
	}
	m.JWKSFetches.WithLabelValues(result).Inc()
	m.JWKSFetchLatency.Observe(duration.Seconds())
}

// ObserveCacheLookup records a key set cache hit or miss.
func (m *Metrics) ObserveCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}
