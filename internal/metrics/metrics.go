// Package metrics exposes Prometheus instrumentation for Heron.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/heron/internal/domain"
)

const namespace = "heron"

// Metrics holds every collector Heron registers.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	analysesTotal    *prometheus.CounterVec
	analysisDuration *prometheus.HistogramVec
	rejectedRecords  prometheus.Counter
	flaggedAccounts  prometheus.Histogram
	ringsDetected    *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	rateLimited      prometheus.Counter
}

// New creates a registry with Go and process collectors plus Heron's own.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		httpRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
			},
			[]string{"method", "route"},
		),

		analysesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "analyses_total",
				Help:      "Total number of analysis runs by status and source",
			},
			[]string{"status", "source"},
		),
		analysisDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "analysis_duration_seconds",
				Help:      "Wall time of one analysis run",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16), // 0.5ms to ~16s
			},
			[]string{"source"},
		),
		rejectedRecords: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "rejected_records_total",
				Help:      "Total number of malformed input records",
			},
		),
		flaggedAccounts: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "flagged_accounts",
				Help:      "Flagged accounts per analysis",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
		ringsDetected: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "rings_detected_total",
				Help:      "Total number of fraud rings by pattern type",
			},
			[]string{"pattern_type"},
		),
		cacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "analysis_lookups_total",
				Help:      "Analysis cache lookups by result",
			},
			[]string{"result"},
		),
		rateLimited: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the per-tenant rate limit",
			},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// ObserveAnalysis records a finished analysis. source is "sync" or "async".
func (m *Metrics) ObserveAnalysis(source string, a *domain.Analysis, elapsed time.Duration) {
	m.analysesTotal.WithLabelValues(a.Status, source).Inc()
	m.analysisDuration.WithLabelValues(source).Observe(elapsed.Seconds())
	m.rejectedRecords.Add(float64(len(a.Rejected)))

	if a.Report == nil {
		return
	}
	m.flaggedAccounts.Observe(float64(a.Report.Summary.FlaggedAccountCount))
	for _, ring := range a.Report.FraudRings {
		m.ringsDetected.WithLabelValues(string(ring.PatternType)).Inc()
	}
}

// ObserveCache records an analysis cache lookup.
func (m *Metrics) ObserveCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// ObserveRateLimited records a request turned away by the rate limit.
func (m *Metrics) ObserveRateLimited() {
	m.rateLimited.Inc()
}
