package service

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/metislab-api/internal/models"
)

const metricsNamespace = "metislab"

// MetricsService owns the process registry. All methods are no-ops on a nil
// receiver so components can run without instrumentation.
type MetricsService struct {
	registry *prometheus.Registry
	handler  http.Handler

	httpDuration *prometheus.HistogramVec
	httpTotal    *prometheus.CounterVec

	cacheLookups *prometheus.CounterVec
	cacheLatency *prometheus.HistogramVec
	cacheWrites  *prometheus.HistogramVec

	dbQueryDuration *prometheus.HistogramVec

	transitions    *prometheus.CounterVec
	requestsStatus *prometheus.GaugeVec

	feedDropped     prometheus.Counter
	feedSubscribers prometheus.Gauge
}

// NewMetricsService registers the API's collectors on a private registry.
func NewMetricsService() *MetricsService {
	m := &MetricsService{
		registry: prometheus.NewRegistry(),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		httpTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "path", "status"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Projection cache lookups by key family and result",
		}, []string{"family", "result"}),
		cacheLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "lookup_seconds",
			Help:      "Projection cache read latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"family"}),
		cacheWrites: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "write_seconds",
			Help:      "Projection cache write latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"family"}),
		dbQueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "db",
			Name:      "query_duration_seconds",
			Help:      "Duration of read-side aggregate queries",
			Buckets:   prometheus.DefBuckets,
		}, []string{"query"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "workflow",
			Name:      "transitions_total",
			Help:      "Workflow commands by action and outcome",
		}, []string{"action", "outcome"}),
		requestsStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "workflow",
			Name:      "requests",
			Help:      "Access requests currently in each status",
		}, []string{"status"}),
		feedDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "feed",
			Name:      "dropped_total",
			Help:      "Change feed events dropped because a subscriber or the queue was full",
		}),
		feedSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "feed",
			Name:      "subscribers",
			Help:      "Connected change feed subscribers",
		}),
	}

	m.registry.MustRegister(
		m.httpDuration, m.httpTotal,
		m.cacheLookups, m.cacheLatency, m.cacheWrites,
		m.dbQueryDuration,
		m.transitions, m.requestsStatus,
		m.feedDropped, m.feedSubscribers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.handler = promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
	return m
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry exposes the underlying registry, mainly for tests.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	code := strconv.Itoa(status)
	m.httpDuration.WithLabelValues(method, path, code).Observe(duration.Seconds())
	m.httpTotal.WithLabelValues(method, path, code).Inc()
}

// RecordCacheOperation counts a cache lookup for the key family.
func (m *MetricsService) RecordCacheOperation(family string, hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(family, result).Inc()
	m.cacheLatency.WithLabelValues(family).Observe(duration.Seconds())
}

// ObserveCacheWrite tracks the duration of cache writes.
func (m *MetricsService) ObserveCacheWrite(family string, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheWrites.WithLabelValues(family).Observe(duration.Seconds())
}

// ObserveDBQuery records database query timing.
func (m *MetricsService) ObserveDBQuery(label string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dbQueryDuration.WithLabelValues(label).Observe(duration.Seconds())
}

// RecordTransition counts a workflow command by its outcome.
func (m *MetricsService) RecordTransition(action models.RequestAction, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(action), outcome).Inc()
}

// SetRequestsByStatus replaces the per-status gauges.
func (m *MetricsService) SetRequestsByStatus(totals map[models.RequestStatus]int) {
	if m == nil {
		return
	}
	for status, count := range totals {
		m.requestsStatus.WithLabelValues(string(status)).Set(float64(count))
	}
}

// RecordFeedDrop counts an event that did not reach a subscriber.
func (m *MetricsService) RecordFeedDrop() {
	if m == nil {
		return
	}
	m.feedDropped.Inc()
}

// SetFeedSubscribers reports the number of live subscribers.
func (m *MetricsService) SetFeedSubscribers(n int) {
	if m == nil {
		return
	}
	m.feedSubscribers.Set(float64(n))
}
