package observability

import (
	"context"
	"time"
)

// DeliveryRecorder receives delivery and cache events. Metrics and OTelMetrics both implement it.
type DeliveryRecorder interface {
	RecordTrigger(ctx context.Context, eventType string, matched int)
	RecordAttempt(ctx context.Context, eventType, outcome string, duration time.Duration)
	RecordSweep(ctx context.Context, records int)
	SetQueueDepth(depth int)
	RecordCacheHit(ctx context.Context, cacheType string)
	RecordCacheMiss(ctx context.Context, cacheType string)
}

// Recorders fans each event out to every recorder
type Recorders []DeliveryRecorder

// NewRecorders drops nil entries
func NewRecorders(recorders ...DeliveryRecorder) Recorders {
	out := make(Recorders, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (rs Recorders) RecordTrigger(ctx context.Context, eventType string, matched int) {
	for _, r := range rs {
		r.RecordTrigger(ctx, eventType, matched)
	}
}

func (rs Recorders) RecordAttempt(ctx context.Context, eventType, outcome string, duration time.Duration) {
	for _, r := range rs {
		r.RecordAttempt(ctx, eventType, outcome, duration)
	}
}

func (rs Recorders) RecordSweep(ctx context.Context, records int) {
	for _, r := range rs {
		r.RecordSweep(ctx, records)
	}
}

func (rs Recorders) SetQueueDepth(depth int) {
	for _, r := range rs {
		r.SetQueueDepth(depth)
	}
}

func (rs Recorders) RecordCacheHit(ctx context.Context, cacheType string) {
	for _, r := range rs {
		r.RecordCacheHit(ctx, cacheType)
	}
}

func (rs Recorders) RecordCacheMiss(ctx context.Context, cacheType string) {
	for _, r := range rs {
		r.RecordCacheMiss(ctx, cacheType)
	}
}
