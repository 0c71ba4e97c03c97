package webhooks

import (
	"context"
	"fmt"
	"net/url"
	"time"
)

// EndpointTestResult is the raw outcome of a one-off test delivery
type EndpointTestResult struct {
	OK         bool   `json:"ok"`
	Status     int    `json:"status,omitempty"`
	Body       string `json:"body,omitempty"`
	Error      string `json:"error,omitempty"`
	PayloadID  string `json:"payload_id"`
	DurationMS int64  `json:"duration_ms"`
}

// TestEndpoint sends a synthetic, signed test payload once with the short test timeout.
// No delivery record is created and nothing is retried. The returned error is non-nil
// only when the request cannot be built from the inputs.
func (a *Attempter) TestEndpoint(ctx context.Context, endpointURL, secret string, eventType EventType) (EndpointTestResult, error) {
	if err := ValidateEndpointURL(endpointURL); err != nil {
		return EndpointTestResult{}, err
	}
	if secret == "" {
		return EndpointTestResult{}, fmt.Errorf("secret is required")
	}
	if eventType == "" {
		eventType = EventWebhookTest
	}

	payload, err := NewPayload(Event{
		Type:       eventType,
		TenantID:   "test",
		OccurredAt: a.now(),
		Data: map[string]interface{}{
			"test":    true,
			"message": "This is a test webhook delivery",
		},
	})
	if err != nil {
		return EndpointTestResult{}, err
	}

	start := time.Now()
	res := a.send(ctx, endpointURL, payload, Sign(payload.Bytes(), secret), a.config.TestTimeout, true)

	result := EndpointTestResult{
		OK:         res.ok(),
		Status:     res.statusCode,
		Body:       res.body,
		PayloadID:  payload.ID,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if !result.OK {
		result.Error = res.message()
	}

	a.logger.WithFields(map[string]interface{}{
		"endpoint":    endpointURL,
		"ok":          result.OK,
		"status_code": result.Status,
	}).Info("Webhook endpoint test completed")

	return result, nil
}

// ValidateEndpointURL checks that raw is an absolute http(s) URL
func ValidateEndpointURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("endpoint URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("endpoint URL must use http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint URL must be absolute")
	}
	return nil
}
