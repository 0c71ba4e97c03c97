package webhooks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_Allow(t *testing.T) {
	clock := newTestClock()
	rl := NewRateLimiter(3, time.Minute)
	rl.now = clock.Now

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("hooks.example.com"), "request %d", i)
	}
	assert.False(t, rl.Allow("hooks.example.com"))
	assert.True(t, rl.Allow("other.example.com"), "keys are limited independently")

	clock.Advance(21 * time.Second)
	assert.True(t, rl.Allow("hooks.example.com"), "one token refills per period/maxRequests")
	assert.False(t, rl.Allow("hooks.example.com"))
}

func TestRateLimiter_GetRemainingAndReset(t *testing.T) {
	clock := newTestClock()
	rl := NewRateLimiter(5, time.Minute)
	rl.now = clock.Now

	assert.Equal(t, 5, rl.GetRemaining("k"))
	rl.Allow("k")
	rl.Allow("k")
	assert.Equal(t, 3, rl.GetRemaining("k"))

	rl.Reset("k")
	assert.Equal(t, 5, rl.GetRemaining("k"))
}

func TestNewRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(0, 0)

	assert.True(t, rl.Allow("k"))
	assert.False(t, rl.Allow("k"))
}
