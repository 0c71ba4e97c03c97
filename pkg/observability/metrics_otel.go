package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/platinummonkey/courier"

// OTelMetrics holds OpenTelemetry metric instruments
type OTelMetrics struct {
	// Delivery metrics
	eventsTriggered  metric.Int64Counter
	matchedSubs      metric.Int64Histogram
	deliveryAttempts metric.Int64Counter
	deliveryDuration metric.Float64Histogram
	sweepRecords     metric.Int64Histogram
	queueDepth       metric.Int64Gauge

	// Cache metrics
	cacheHitsTotal   metric.Int64Counter
	cacheMissesTotal metric.Int64Counter
}

// NewOTelMetrics creates the delivery instruments on provider, or on the global provider when nil
func NewOTelMetrics(provider metric.MeterProvider) (*OTelMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	m := &OTelMetrics{}
	var err error

	m.eventsTriggered, err = meter.Int64Counter(
		"webhook.events.triggered",
		metric.WithDescription("Total number of events passed to the dispatcher"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create events_triggered counter: %w", err)
	}

	m.matchedSubs, err = meter.Int64Histogram(
		"webhook.subscriptions.matched",
		metric.WithDescription("Number of subscriptions matched per event"),
		metric.WithUnit("{subscription}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriptions_matched histogram: %w", err)
	}

	m.deliveryAttempts, err = meter.Int64Counter(
		"webhook.delivery.attempts",
		metric.WithDescription("Total number of delivery attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery_attempts counter: %w", err)
	}

	m.deliveryDuration, err = meter.Float64Histogram(
		"webhook.delivery.duration",
		metric.WithDescription("Outbound delivery request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery_duration histogram: %w", err)
	}

	m.sweepRecords, err = meter.Int64Histogram(
		"webhook.sweep.records",
		metric.WithDescription("Number of records claimed per retry sweep"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sweep_records histogram: %w", err)
	}

	m.queueDepth, err = meter.Int64Gauge(
		"webhook.queue.depth",
		metric.WithDescription("Number of first attempts waiting for a worker"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue_depth gauge: %w", err)
	}

	m.cacheHitsTotal, err = meter.Int64Counter(
		"cache.hits.total",
		metric.WithDescription("Total number of cache hits"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache_hits_total counter: %w", err)
	}

	m.cacheMissesTotal, err = meter.Int64Counter(
		"cache.misses.total",
		metric.WithDescription("Total number of cache misses"),
		metric.WithUnit("{miss}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache_misses_total counter: %w", err)
	}

	return m, nil
}

// RecordTrigger records a dispatched event
func (m *OTelMetrics) RecordTrigger(ctx context.Context, eventType string, matched int) {
	attrs := metric.WithAttributes(attribute.String("webhook.event_type", eventType))
	m.eventsTriggered.Add(ctx, 1, attrs)
	m.matchedSubs.Record(ctx, int64(matched), attrs)
}

// RecordAttempt records a delivery attempt
func (m *OTelMetrics) RecordAttempt(ctx context.Context, eventType, outcome string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("webhook.event_type", eventType),
		attribute.String("webhook.outcome", outcome),
	}
	m.deliveryAttempts.Add(ctx, 1, metric.WithAttributes(attrs...))
	if duration > 0 {
		m.deliveryDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
}

// RecordSweep records a retry sweep
func (m *OTelMetrics) RecordSweep(ctx context.Context, records int) {
	m.sweepRecords.Record(ctx, int64(records))
}

// SetQueueDepth records the worker pool backlog
func (m *OTelMetrics) SetQueueDepth(depth int) {
	m.queueDepth.Record(context.Background(), int64(depth))
}

// RecordCacheHit records a cache hit
func (m *OTelMetrics) RecordCacheHit(ctx context.Context, cacheType string) {
	m.cacheHitsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("cache.type", cacheType)))
}

// RecordCacheMiss records a cache miss
func (m *OTelMetrics) RecordCacheMiss(ctx context.Context, cacheType string) {
	m.cacheMissesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("cache.type", cacheType)))
}
