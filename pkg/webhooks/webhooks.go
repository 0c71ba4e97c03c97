package webhooks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of webhook event
type EventType string

const (
	EventMemberJoined      EventType = "member.joined"
	EventMemberLeft        EventType = "member.left"
	EventMemberRoleChanged EventType = "member.role_changed"
	EventCreditTransaction EventType = "credit.transaction_created"
	EventCourseEnrolled    EventType = "course.enrolled"
	EventCourseCompleted   EventType = "course.completed"
	EventWebhookTest       EventType = "webhook.test"
)

// Outbound request headers
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderID        = "X-Webhook-Id"
	HeaderEvent     = "X-Webhook-Event"
	HeaderTest      = "X-Webhook-Test"
)

// DefaultUserAgent is sent with every outbound delivery unless overridden
const DefaultUserAgent = "Courier-Webhooks/1.0"

// Event is an immutable fact produced by the rest of the platform
type Event struct {
	Type       EventType              `json:"event_type"`
	TenantID   string                 `json:"tenant_id"`
	OccurredAt time.Time              `json:"occurred_at"`
	Data       map[string]interface{} `json:"data"`
}

// Subscription is a tenant's registration of interest in events.
// Subscriptions are owned by the management API; the engine only reads them.
type Subscription struct {
	ID               string      `json:"id"`
	TenantID         string      `json:"tenant_id"`
	EndpointURL      string      `json:"endpoint_url"`
	Secret           string      `json:"secret,omitempty"`
	SubscribedEvents []EventType `json:"subscribed_events"`
	Active           bool        `json:"active"`
	LastTriggeredAt  *time.Time  `json:"last_triggered_at,omitempty"`
}

// Watches reports whether the subscription lists the event type
func (s Subscription) Watches(eventType EventType) bool {
	for _, et := range s.SubscribedEvents {
		if et == eventType {
			return true
		}
	}
	return false
}

// Payload is the wire-level envelope built once per (event, subscriber) pair.
// Body holds the canonical bytes; every attempt sends Body unchanged.
type Payload struct {
	ID        string                 `json:"id"`
	EventType EventType              `json:"event"`
	TenantID  string                 `json:"organization_id"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`

	Body []byte `json:"-"`
}

// NewPayload builds a payload with a fresh id and serializes it once
func NewPayload(event Event) (Payload, error) {
	p := Payload{
		ID:        uuid.NewString(),
		EventType: event.Type,
		TenantID:  event.TenantID,
		Timestamp: event.OccurredAt.UTC(),
		Data:      event.Data,
	}
	if p.Data == nil {
		p.Data = map[string]interface{}{}
	}

	body, err := json.Marshal(p)
	if err != nil {
		return Payload{}, fmt.Errorf("failed to marshal payload: %w", err)
	}
	p.Body = body
	return p, nil
}

// Bytes returns the canonical serialization of the payload
func (p Payload) Bytes() []byte {
	return p.Body
}

// ParsePayload restores a payload from its stored canonical bytes.
// The original bytes are kept so signatures stay valid.
func ParsePayload(body []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Payload{}, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	p.Body = append([]byte(nil), body...)
	return p, nil
}
