package webhooks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	assert.Equal(t, 3, config.MaxAttempts)
	assert.Equal(t, []time.Duration{time.Minute, 5 * time.Minute, 30 * time.Minute}, config.Delays)
}

func TestRetryPolicy_NextRetryDelay(t *testing.T) {
	policy := NewRetryPolicy(DefaultRetryConfig())

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 60 * time.Second},
		{1, 60 * time.Second},
		{2, 300 * time.Second},
		{3, 1800 * time.Second},
		{7, 1800 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, policy.NextRetryDelay(tt.attempts), "attempts=%d", tt.attempts)
	}
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	policy := NewRetryPolicy(DefaultRetryConfig())

	assert.True(t, policy.ShouldRetry(0))
	assert.True(t, policy.ShouldRetry(1))
	assert.True(t, policy.ShouldRetry(2))
	assert.False(t, policy.ShouldRetry(3))
	assert.False(t, policy.ShouldRetry(4))
}

func TestRetryPolicy_Decide(t *testing.T) {
	policy := NewRetryPolicy(DefaultRetryConfig())
	now := testEpoch

	first := policy.Decide(&DeliveryRecord{Attempts: 1}, now)
	assert.False(t, first.GiveUp)
	assert.Equal(t, now.Add(time.Minute), first.RetryAt)

	second := policy.Decide(&DeliveryRecord{Attempts: 2}, now)
	assert.False(t, second.GiveUp)
	assert.Equal(t, now.Add(5*time.Minute), second.RetryAt)

	third := policy.Decide(&DeliveryRecord{Attempts: 3}, now)
	assert.True(t, third.GiveUp)
	assert.True(t, third.RetryAt.IsZero())
}

func TestNewRetryPolicy_Defaults(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{Delays: []time.Duration{0, -time.Second}})

	assert.Equal(t, 3, policy.MaxAttempts())
	assert.Equal(t, time.Minute, policy.NextRetryDelay(1))

	custom := NewRetryPolicy(RetryConfig{MaxAttempts: 5, Delays: []time.Duration{time.Second, 0, 2 * time.Second}})
	assert.Equal(t, 5, custom.MaxAttempts())
	assert.Equal(t, time.Second, custom.NextRetryDelay(1))
	assert.Equal(t, 2*time.Second, custom.NextRetryDelay(2))
	assert.Equal(t, 2*time.Second, custom.NextRetryDelay(5))
}
