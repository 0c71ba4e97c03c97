package webhooks

import (
	"context"
	"fmt"
)

// SubscriptionSource is the read-only view of the management API's subscriptions
type SubscriptionSource interface {
	ListActiveSubscriptions(ctx context.Context, tenantID string, eventType EventType) ([]Subscription, error)
}

// Matcher resolves the subscriptions interested in an event
type Matcher struct {
	source SubscriptionSource
}

// NewMatcher creates a matcher over a subscription source
func NewMatcher(source SubscriptionSource) *Matcher {
	return &Matcher{source: source}
}

// Match returns the active subscriptions of the tenant watching eventType.
// An empty result is not an error. Order is unspecified.
func (m *Matcher) Match(ctx context.Context, tenantID string, eventType EventType) ([]Subscription, error) {
	subs, err := m.source.ListActiveSubscriptions(ctx, tenantID, eventType)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	// Sources and caches may be loose; never hand an inactive or foreign subscription to the dispatcher
	matched := subs[:0:0]
	for _, sub := range subs {
		if !sub.Active || sub.TenantID != tenantID || !sub.Watches(eventType) {
			continue
		}
		matched = append(matched, sub)
	}
	return matched, nil
}
