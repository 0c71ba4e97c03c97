package cache

import (
	"context"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/courier/pkg/webhooks"
)

// LRUSubscriptionCache is an in-process read-through cache of active subscriptions
type LRUSubscriptionCache struct {
	source   webhooks.SubscriptionSource
	cache    *lru.LRU[string, []webhooks.Subscription]
	recorder Recorder
	counters counters
}

// NewLRUSubscriptionCache caches up to maxEntries (tenant, event type) lookups for ttl each
func NewLRUSubscriptionCache(source webhooks.SubscriptionSource, maxEntries int, ttl time.Duration, opts ...Option) *LRUSubscriptionCache {
	if maxEntries < 10 {
		maxEntries = 10 // Minimum 10 entries
	}
	o := newOptions(opts)
	return &LRUSubscriptionCache{
		source:   source,
		cache:    lru.NewLRU[string, []webhooks.Subscription](maxEntries, nil, ttl),
		recorder: o.recorder,
	}
}

// ListActiveSubscriptions implements webhooks.SubscriptionSource
func (c *LRUSubscriptionCache) ListActiveSubscriptions(ctx context.Context, tenantID string, eventType webhooks.EventType) ([]webhooks.Subscription, error) {
	key := cacheKey(tenantID, eventType)

	if subs, ok := c.cache.Get(key); ok {
		c.counters.hits.Add(1)
		c.recorder.RecordCacheHit(ctx, TypeL1)
		return copySubscriptions(subs), nil
	}
	c.counters.misses.Add(1)
	c.recorder.RecordCacheMiss(ctx, TypeL1)

	subs, err := c.source.ListActiveSubscriptions(ctx, tenantID, eventType)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, copySubscriptions(subs))
	return subs, nil
}

// Invalidate drops every cached lookup for tenantID
func (c *LRUSubscriptionCache) Invalidate(tenantID string) {
	prefix := tenantID + ":"
	for _, key := range c.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.cache.Remove(key)
		}
	}
}

// Purge drops every cached lookup
func (c *LRUSubscriptionCache) Purge() {
	c.cache.Purge()
}

// Stats returns cache statistics
func (c *LRUSubscriptionCache) Stats() Stats {
	return c.counters.stats(int64(c.cache.Len()))
}
