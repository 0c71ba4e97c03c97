// Package cache puts read-through caches in front of a webhooks.SubscriptionSource.
//
// Matching runs on every trigger, so the subscription lookup is the hottest read in the
// engine. LRUSubscriptionCache keeps results in process; RedisSubscriptionCache shares them
// between instances. Both expire entries after a short TTL and never cache errors.
//
//	var source webhooks.SubscriptionSource = pgStore
//	source = cache.NewRedisSubscriptionCache(source, redisClient, 30*time.Second, cache.WithRecorder(metrics))
//	source = cache.NewLRUSubscriptionCache(source, 1024, 30*time.Second, cache.WithRecorder(metrics))
//	matcher := webhooks.NewMatcher(source)
package cache

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/platinummonkey/courier/pkg/observability"
	"github.com/platinummonkey/courier/pkg/webhooks"
)

// Cache type labels reported to a Recorder
const (
	TypeL1 = "subscriptions_l1"
	TypeL2 = "subscriptions_l2"
)

// Recorder receives cache hit and miss counts
type Recorder interface {
	RecordCacheHit(ctx context.Context, cacheType string)
	RecordCacheMiss(ctx context.Context, cacheType string)
}

type nopRecorder struct{}

func (nopRecorder) RecordCacheHit(context.Context, string)  {}
func (nopRecorder) RecordCacheMiss(context.Context, string) {}

// Stats holds cache statistics
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	ItemCount int64   `json:"item_count"`
	HitRate   float64 `json:"hit_rate"`
}

type options struct {
	recorder Recorder
	logger   *observability.Logger
}

// Option customizes a cache
type Option func(*options)

// WithRecorder reports hits and misses to recorder
func WithRecorder(recorder Recorder) Option {
	return func(o *options) {
		if recorder != nil {
			o.recorder = recorder
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *observability.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func newOptions(opts []Option) options {
	o := options{
		recorder: nopRecorder{},
		logger:   observability.NewLogger(observability.InfoLevel, nil),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// counters tracks cache metrics
type counters struct {
	hits   atomic.Int64
	misses atomic.Int64
}

func (c *counters) stats(items int64) Stats {
	stats := Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		ItemCount: items,
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

func cacheKey(tenantID string, eventType webhooks.EventType) string {
	return fmt.Sprintf("%s:%s", tenantID, eventType)
}

func copySubscriptions(subs []webhooks.Subscription) []webhooks.Subscription {
	if subs == nil {
		return nil
	}
	out := make([]webhooks.Subscription, len(subs))
	copy(out, subs)
	return out
}
