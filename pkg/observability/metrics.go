package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig configures the Prometheus collector.
type MetricsConfig struct {
	// Namespace for all metric names (default "dispatch").
	Namespace string
	// Registerer to register with (default a fresh registry).
	Registerer prometheus.Registerer
	// Gatherer paired with Registerer, used by Handler (default the
	// fresh registry).
	Gatherer prometheus.Gatherer
	// DurationBuckets for stage and request histograms (default
	// prometheus.DefBuckets).
	DurationBuckets []float64
}

// MetricsCollector exports pipeline events as Prometheus metrics.
type MetricsCollector struct {
	gatherer prometheus.Gatherer

	stageDuration   *prometheus.HistogramVec
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheEvents     *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	activeSessions  prometheus.Gauge
}

// NewMetricsCollector creates and registers the pipeline metrics.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if config.Namespace == "" {
		config.Namespace = "dispatch"
	}
	if config.Registerer == nil {
		registry := prometheus.NewRegistry()
		config.Registerer = registry
		config.Gatherer = registry
	}
	if len(config.DurationBuckets) == 0 {
		config.DurationBuckets = prometheus.DefBuckets
	}

	m := &MetricsCollector{
		gatherer: config.Gatherer,
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each pipeline stage.",
			Buckets:   config.DurationBuckets,
		}, []string{"stage", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency.",
			Buckets:   config.DurationBuckets,
		}, []string{"method"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "requests_total",
			Help:      "Requests finished, by method and final status.",
		}, []string{"method", "status"}),
		cacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "cache_events_total",
			Help:      "Cache lookups, by hit or miss.",
		}, []string{"outcome"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by the rate limiter.",
		}, []string{"method"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently open.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.stageDuration, m.requestDuration, m.requestTotal,
		m.cacheEvents, m.rateLimited, m.activeSessions,
	} {
		if err := config.Registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RecordStage implements Collector.
func (m *MetricsCollector) RecordStage(ctx context.Context, event StageEvent) {
	m.stageDuration.WithLabelValues(string(event.Stage), string(event.Outcome)).
		Observe(event.Duration.Seconds())

	switch event.Stage {
	case StageCacheLookup:
		if event.Outcome == OutcomeHit || event.Outcome == OutcomeMiss {
			m.cacheEvents.WithLabelValues(string(event.Outcome)).Inc()
		}
	case StageRateLimit:
		if event.Outcome == OutcomeError {
			m.rateLimited.WithLabelValues(event.Method).Inc()
		}
	}
}

// RecordRequest implements Collector.
func (m *MetricsCollector) RecordRequest(ctx context.Context, method, status string, duration time.Duration) {
	m.requestDuration.WithLabelValues(method).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, status).Inc()
}

// AddActiveSessions implements Collector.
func (m *MetricsCollector) AddActiveSessions(delta int) {
	m.activeSessions.Add(float64(delta))
}

// Handler exposes the collector's metrics for scraping. Only available when
// the collector owns its registry or was given a Gatherer.
func (m *MetricsCollector) Handler() http.Handler {
	if m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
