package webhooks

import (
	"time"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts int             `json:"max_attempts" yaml:"max_attempts"`
	Delays      []time.Duration `json:"delays" yaml:"delays"`
}

// DefaultRetryConfig returns the default retry configuration:
// three attempts in total, waiting 1m, 5m and 30m after each failure.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Delays:      []time.Duration{60 * time.Second, 300 * time.Second, 1800 * time.Second},
	}
}

// RetryPolicy looks retry delays up in a fixed table. There is no jitter.
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy creates a new retry policy
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	defaults := DefaultRetryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if len(config.Delays) == 0 {
		config.Delays = defaults.Delays
	}
	delays := make([]time.Duration, 0, len(config.Delays))
	for _, d := range config.Delays {
		if d > 0 {
			delays = append(delays, d)
		}
	}
	if len(delays) == 0 {
		delays = defaults.Delays
	}
	config.Delays = delays

	return &RetryPolicy{
		config: config,
	}
}

// MaxAttempts returns the total number of attempts allowed
func (p *RetryPolicy) MaxAttempts() int {
	return p.config.MaxAttempts
}

// ShouldRetry reports whether another attempt is allowed after attempts failed ones
func (p *RetryPolicy) ShouldRetry(attempts int) bool {
	return attempts < p.config.MaxAttempts
}

// NextRetryDelay returns the wait after the given (1-based) failed attempt.
// Attempts past the end of the table reuse its last entry.
func (p *RetryPolicy) NextRetryDelay(attempts int) time.Duration {
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.config.Delays) {
		idx = len(p.config.Delays) - 1
	}
	return p.config.Delays[idx]
}

// RetryDecision is either a retry time or a give-up
type RetryDecision struct {
	GiveUp  bool
	RetryAt time.Time
}

// Decide inspects a record whose latest attempt failed and decides what happens next
func (p *RetryPolicy) Decide(record *DeliveryRecord, now time.Time) RetryDecision {
	if !p.ShouldRetry(record.Attempts) {
		return RetryDecision{GiveUp: true}
	}
	return RetryDecision{RetryAt: now.Add(p.NextRetryDelay(record.Attempts))}
}
