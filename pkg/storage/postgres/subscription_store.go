package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/platinummonkey/courier/pkg/webhooks"
)

// ListActiveSubscriptions implements webhooks.SubscriptionSource
func (s *Store) ListActiveSubscriptions(ctx context.Context, tenantID string, eventType webhooks.EventType) ([]webhooks.Subscription, error) {
	query := `
		SELECT id, tenant_id, endpoint_url, secret, subscribed_events, active, last_triggered_at
		FROM webhook_subscriptions
		WHERE tenant_id = $1 AND active AND $2 = ANY(subscribed_events)
		ORDER BY id
	`

	rows, err := s.pool.Replica().QueryContext(ctx, query, tenantID, string(eventType))
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []webhooks.Subscription
	for rows.Next() {
		var (
			sub           webhooks.Subscription
			events        pq.StringArray
			lastTriggered sql.NullTime
		)
		if err := rows.Scan(&sub.ID, &sub.TenantID, &sub.EndpointURL, &sub.Secret, &events, &sub.Active, &lastTriggered); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		sub.SubscribedEvents = make([]webhooks.EventType, len(events))
		for i, e := range events {
			sub.SubscribedEvents[i] = webhooks.EventType(e)
		}
		if lastTriggered.Valid {
			t := lastTriggered.Time
			sub.LastTriggeredAt = &t
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read subscriptions: %w", err)
	}
	return subs, nil
}

// UpsertSubscription writes a subscription. The management API owns subscriptions;
// this exists for local development and tests.
func (s *Store) UpsertSubscription(ctx context.Context, sub webhooks.Subscription) error {
	events := make([]string, len(sub.SubscribedEvents))
	for i, e := range sub.SubscribedEvents {
		events[i] = string(e)
	}

	query := `
		INSERT INTO webhook_subscriptions (id, tenant_id, endpoint_url, secret, subscribed_events, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			endpoint_url = EXCLUDED.endpoint_url,
			secret = EXCLUDED.secret,
			subscribed_events = EXCLUDED.subscribed_events,
			active = EXCLUDED.active,
			updated_at = NOW()
	`
	_, err := s.pool.Primary().ExecContext(ctx, query,
		sub.ID, sub.TenantID, sub.EndpointURL, sub.Secret, pq.Array(events), sub.Active)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription %s: %w", sub.ID, err)
	}
	return nil
}
