package observability

import (
	"context"
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Delivery metrics
	EventsTriggeredTotal  *prometheus.CounterVec
	SubscriptionsMatched  *prometheus.HistogramVec
	DeliveryAttemptsTotal *prometheus.CounterVec
	DeliveryDuration      *prometheus.HistogramVec
	SweepRunsTotal        prometheus.Counter
	SweepRecords          prometheus.Histogram
	DeliveryQueueDepth    prometheus.Gauge
	WorkerTaskErrorsTotal prometheus.Counter

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsOpen  prometheus.Gauge
	DBConnectionsInUse prometheus.Gauge
	DBConnectionsIdle  prometheus.Gauge
	DBWaitCount        prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "courier_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "courier_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "route"},
		),

		// Delivery metrics
		EventsTriggeredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_webhook_events_triggered_total",
				Help: "Total number of events passed to the dispatcher",
			},
			[]string{"event_type"},
		),
		SubscriptionsMatched: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "courier_webhook_subscriptions_matched",
				Help:    "Number of subscriptions matched per event",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
			},
			[]string{"event_type"},
		),
		DeliveryAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_webhook_delivery_attempts_total",
				Help: "Total number of delivery attempts by outcome",
			},
			[]string{"event_type", "outcome"},
		),
		DeliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "courier_webhook_delivery_duration_seconds",
				Help:    "Outbound delivery request duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"event_type"},
		),
		SweepRunsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "courier_webhook_sweep_runs_total",
				Help: "Total number of retry sweeps",
			},
		),
		SweepRecords: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "courier_webhook_sweep_records",
				Help:    "Number of records claimed per retry sweep",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
			},
		),
		DeliveryQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "courier_webhook_queue_depth",
				Help: "Number of first attempts waiting for a worker",
			},
		),
		WorkerTaskErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "courier_worker_task_errors_total",
				Help: "Total number of worker pool tasks that failed or panicked",
			},
		),

		// Cache metrics
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_cache_hits_total",
				Help: "Total number of subscription cache hits",
			},
			[]string{"cache_type"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_cache_misses_total",
				Help: "Total number of subscription cache misses",
			},
			[]string{"cache_type"},
		),

		// Database metrics
		DBConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "courier_db_connections_open",
				Help: "Number of open database connections",
			},
		),
		DBConnectionsInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "courier_db_connections_in_use",
				Help: "Number of database connections in use",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "courier_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "courier_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.EventsTriggeredTotal,
		m.SubscriptionsMatched,
		m.DeliveryAttemptsTotal,
		m.DeliveryDuration,
		m.SweepRunsTotal,
		m.SweepRecords,
		m.DeliveryQueueDepth,
		m.WorkerTaskErrorsTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.DBConnectionsOpen,
		m.DBConnectionsInUse,
		m.DBConnectionsIdle,
		m.DBWaitCount,
	)

	return m
}

// RecordTrigger counts an event and the number of subscriptions it matched
func (m *Metrics) RecordTrigger(ctx context.Context, eventType string, matched int) {
	m.EventsTriggeredTotal.WithLabelValues(eventType).Inc()
	m.SubscriptionsMatched.WithLabelValues(eventType).Observe(float64(matched))
}

// RecordAttempt counts a delivery attempt by outcome
func (m *Metrics) RecordAttempt(ctx context.Context, eventType, outcome string, duration time.Duration) {
	m.DeliveryAttemptsTotal.WithLabelValues(eventType, outcome).Inc()
	if duration > 0 {
		m.DeliveryDuration.WithLabelValues(eventType).Observe(duration.Seconds())
	}
}

// RecordSweep counts a sweep run
func (m *Metrics) RecordSweep(ctx context.Context, records int) {
	m.SweepRunsTotal.Inc()
	m.SweepRecords.Observe(float64(records))
}

// SetQueueDepth reports the worker pool backlog
func (m *Metrics) SetQueueDepth(depth int) {
	m.DeliveryQueueDepth.Set(float64(depth))
}

// RecordTaskError counts a failed worker pool task
func (m *Metrics) RecordTaskError(err error) {
	m.WorkerTaskErrorsTotal.Inc()
}

// RecordCacheHit counts a subscription cache hit
func (m *Metrics) RecordCacheHit(ctx context.Context, cacheType string) {
	m.CacheHitsTotal.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss counts a subscription cache miss
func (m *Metrics) RecordCacheMiss(ctx context.Context, cacheType string) {
	m.CacheMissesTotal.WithLabelValues(cacheType).Inc()
}

// UpdateDBStats copies connection pool statistics into the gauges
func (m *Metrics) UpdateDBStats(stats sql.DBStats) {
	m.DBConnectionsOpen.Set(float64(stats.OpenConnections))
	m.DBConnectionsInUse.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBWaitCount.Set(float64(stats.WaitCount))
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// routeLabel prefers the mux route template so IDs in paths do not explode label cardinality
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// It is meant to be installed with mux.Router.Use.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status and size
			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			route := routeLabel(r)
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
			metrics.HTTPResponseSize.WithLabelValues(r.Method, route).Observe(float64(rw.bytesWritten))
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
