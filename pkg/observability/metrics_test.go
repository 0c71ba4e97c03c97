package observability

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMetrics_DeliveryRecorder(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	ctx := context.Background()

	m.RecordTrigger(ctx, "member.joined", 2)
	m.RecordTrigger(ctx, "member.joined", 0)
	m.RecordAttempt(ctx, "member.joined", "success", 120*time.Millisecond)
	m.RecordAttempt(ctx, "member.joined", "retry", 30*time.Second)
	m.RecordAttempt(ctx, "member.joined", "store_error", 0)
	m.RecordSweep(ctx, 7)
	m.SetQueueDepth(3)
	m.RecordTaskError(nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsTriggeredTotal.WithLabelValues("member.joined")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeliveryAttemptsTotal.WithLabelValues("member.joined", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeliveryAttemptsTotal.WithLabelValues("member.joined", "retry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeliveryAttemptsTotal.WithLabelValues("member.joined", "store_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SweepRunsTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.DeliveryQueueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkerTaskErrorsTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(m.SubscriptionsMatched))
}

func TestMetrics_CacheAndDB(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	ctx := context.Background()

	m.RecordCacheHit(ctx, "lru")
	m.RecordCacheHit(ctx, "lru")
	m.RecordCacheMiss(ctx, "redis")
	m.UpdateDBStats(sql.DBStats{OpenConnections: 5, InUse: 2, Idle: 3, WaitCount: 9})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheHitsTotal.WithLabelValues("lru")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheMissesTotal.WithLabelValues("redis")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.DBConnectionsOpen))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DBConnectionsInUse))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.DBConnectionsIdle))
	assert.Equal(t, 9.0, testutil.ToFloat64(m.DBWaitCount))
}

func TestHTTPMetricsMiddleware_UsesRouteTemplate(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	r := mux.NewRouter()
	r.Use(HTTPMetricsMiddleware(m))
	r.HandleFunc("/deliveries/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not found"}`))
	})

	for _, id := range []string{"a", "b", "c"} {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/deliveries/"+id, nil))
		require.Equal(t, http.StatusNotFound, rr.Code)
	}

	assert.Equal(t, 3.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/deliveries/{id}", "404")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.HTTPRequestsTotal))
}

func TestMetricsHandler(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.SetQueueDepth(4)

	rr := httptest.NewRecorder()
	MetricsHandler(registry).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "courier_webhook_queue_depth 4"))
}

func collectOTel(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestOTelMetrics_DeliveryRecorder(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	m, err := NewOTelMetrics(provider)
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordTrigger(ctx, "course.completed", 3)
	m.RecordAttempt(ctx, "course.completed", "give_up", time.Second)
	m.RecordAttempt(ctx, "course.completed", "give_up", time.Second)
	m.RecordSweep(ctx, 10)
	m.SetQueueDepth(6)
	m.RecordCacheHit(ctx, "lru")
	m.RecordCacheMiss(ctx, "lru")

	data := collectOTel(t, reader)

	attempts, ok := data["webhook.delivery.attempts"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, attempts.DataPoints, 1)
	assert.Equal(t, int64(2), attempts.DataPoints[0].Value)

	triggered, ok := data["webhook.events.triggered"].(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Equal(t, int64(1), triggered.DataPoints[0].Value)

	depth, ok := data["webhook.queue.depth"].(metricdata.Gauge[int64])
	require.True(t, ok)
	assert.Equal(t, int64(6), depth.DataPoints[0].Value)

	assert.Contains(t, data, "webhook.sweep.records")
	assert.Contains(t, data, "webhook.delivery.duration")
	assert.Contains(t, data, "cache.hits.total")
	assert.Contains(t, data, "cache.misses.total")
}

type countingRecorder struct {
	triggers, attempts, sweeps, depth, hits, misses int
}

func (c *countingRecorder) RecordTrigger(context.Context, string, int)                   { c.triggers++ }
func (c *countingRecorder) RecordAttempt(context.Context, string, string, time.Duration) { c.attempts++ }
func (c *countingRecorder) RecordSweep(context.Context, int)                             { c.sweeps++ }
func (c *countingRecorder) SetQueueDepth(int)                                            { c.depth++ }
func (c *countingRecorder) RecordCacheHit(context.Context, string)                       { c.hits++ }
func (c *countingRecorder) RecordCacheMiss(context.Context, string)                      { c.misses++ }

func TestRecorders_FanOut(t *testing.T) {
	a, b := &countingRecorder{}, &countingRecorder{}
	rs := NewRecorders(a, nil, b)
	require.Len(t, rs, 2)

	ctx := context.Background()
	rs.RecordTrigger(ctx, "member.left", 1)
	rs.RecordAttempt(ctx, "member.left", "success", time.Millisecond)
	rs.RecordSweep(ctx, 0)
	rs.SetQueueDepth(1)
	rs.RecordCacheHit(ctx, "lru")
	rs.RecordCacheMiss(ctx, "lru")

	for _, c := range []*countingRecorder{a, b} {
		assert.Equal(t, countingRecorder{1, 1, 1, 1, 1, 1}, *c)
	}
}
