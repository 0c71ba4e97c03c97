package webhooks

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// maxLimiterKeys bounds the number of keys tracked at once; the least recently seen key is forgotten first
const maxLimiterKeys = 4096

// RateLimiter is a per-key token bucket. The operator API uses it to stop endpoint tests
// from being used to flood a third-party host.
type RateLimiter struct {
	buckets *lru.Cache[string, *rate.Limiter]
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

// NewRateLimiter allows maxRequests per period for each key, refilled smoothly
func NewRateLimiter(maxRequests int, period time.Duration) *RateLimiter {
	if maxRequests <= 0 {
		maxRequests = 1
	}
	if period <= 0 {
		period = time.Minute
	}
	buckets, err := lru.New[string, *rate.Limiter](maxLimiterKeys)
	if err != nil {
		// Only returned for a non-positive size
		panic(err)
	}
	return &RateLimiter{
		buckets: buckets,
		limit:   rate.Every(period / time.Duration(maxRequests)),
		burst:   maxRequests,
		now:     time.Now,
	}
}

// Allow takes a token for key if one is available
func (rl *RateLimiter) Allow(key string) bool {
	limiter, ok := rl.buckets.Get(key)
	if !ok {
		limiter = rate.NewLimiter(rl.limit, rl.burst)
		if prev, found, _ := rl.buckets.PeekOrAdd(key, limiter); found {
			limiter = prev
		}
	}
	return limiter.AllowN(rl.now(), 1)
}

// Reset forgets key
func (rl *RateLimiter) Reset(key string) {
	rl.buckets.Remove(key)
}

// GetRemaining returns the number of whole tokens left for key
func (rl *RateLimiter) GetRemaining(key string) int {
	limiter, ok := rl.buckets.Peek(key)
	if !ok {
		return rl.burst
	}
	return int(limiter.TokensAt(rl.now()))
}
