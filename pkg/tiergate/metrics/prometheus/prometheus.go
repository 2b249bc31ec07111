package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements tiergate.Metrics using Prometheus.
type Metrics struct {
	resolutionsTotal    *prometheus.CounterVec
	resolutionDuration  *prometheus.HistogramVec
	accessDecisionTotal *prometheus.CounterVec
	cacheHitsTotal      *prometheus.CounterVec
	cacheMissesTotal    *prometheus.CounterVec
	storageOpsDuration  *prometheus.HistogramVec
	storageOpsErrors    *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		resolutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_resolutions_total",
			Help:      "Total number of effective tier resolutions by provenance.",
		}, []string{"source"}),

		resolutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tier_resolution_duration_seconds",
			Help:      "Latency of effective tier resolutions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),

		accessDecisionTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_access_decisions_total",
			Help:      "Total number of tool access decisions.",
		}, []string{"tool", "allowed"}),

		cacheHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits.",
		}, []string{"type"}),

		cacheMissesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses.",
		}, []string{"type"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),
	}
}

func (m *Metrics) RecordResolution(source string, duration time.Duration) {
	m.resolutionsTotal.WithLabelValues(source).Inc()
	m.resolutionDuration.WithLabelValues(source).Observe(duration.Seconds())
}

func (m *Metrics) RecordAccessDecision(toolID string, allowed bool) {
	m.accessDecisionTotal.WithLabelValues(toolID, strconv.FormatBool(allowed)).Inc()
}

func (m *Metrics) RecordCacheHit(cacheType string) {
	m.cacheHitsTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordCacheMiss(cacheType string) {
	m.cacheMissesTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
