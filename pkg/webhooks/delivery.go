package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus is the persisted status of a delivery record
type DeliveryStatus string

const (
	DeliveryStatusPending DeliveryStatus = "pending"
	DeliveryStatusSuccess DeliveryStatus = "success"
	DeliveryStatusFailed  DeliveryStatus = "failed"
)

// Terminal reports whether no further transition is allowed
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryStatusSuccess || s == DeliveryStatusFailed
}

// ParseDeliveryStatus validates a status string
func ParseDeliveryStatus(s string) (DeliveryStatus, error) {
	switch DeliveryStatus(s) {
	case DeliveryStatusPending, DeliveryStatusSuccess, DeliveryStatusFailed:
		return DeliveryStatus(s), nil
	default:
		return "", fmt.Errorf("invalid delivery status: %q", s)
	}
}

var (
	// ErrRecordNotFound is returned when a delivery record does not exist
	ErrRecordNotFound = errors.New("delivery record not found")
	// ErrTerminalState is returned when mutating a record that is already success or failed
	ErrTerminalState = errors.New("delivery record is in a terminal state")
	// ErrAttemptClaimed is returned when another attempt already consumed the expected attempt
	ErrAttemptClaimed = errors.New("delivery attempt already claimed")
)

// DeliveryState is the lifecycle state of a delivery record.
// It is one of Pending, Delivered or Failed.
type DeliveryState interface {
	Status() DeliveryStatus
	deliveryState()
}

// Pending records are waiting for their first attempt or a retry
type Pending struct {
	NextRetryAt time.Time
}

// Delivered records received a 2xx response
type Delivered struct {
	DeliveredAt time.Time
}

// Failed records exhausted their retries
type Failed struct {
	Reason   string
	FailedAt time.Time
}

func (Pending) Status() DeliveryStatus   { return DeliveryStatusPending }
func (Delivered) Status() DeliveryStatus { return DeliveryStatusSuccess }
func (Failed) Status() DeliveryStatus    { return DeliveryStatusFailed }

func (Pending) deliveryState()   {}
func (Delivered) deliveryState() {}
func (Failed) deliveryState()    {}

// DeliveryRecord tracks sending one payload to one subscription endpoint.
// EndpointURL and Secret are snapshots taken when the record was created.
type DeliveryRecord struct {
	ID             string
	SubscriptionID string
	EndpointURL    string
	Secret         string
	Payload        Payload
	State          DeliveryState
	Attempts       int

	LastResponseStatus *int
	LastResponseBody   string
	LastError          string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewDeliveryRecord snapshots the subscription and makes the record eligible for an immediate attempt
func NewDeliveryRecord(sub Subscription, payload Payload, now time.Time) *DeliveryRecord {
	return &DeliveryRecord{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		EndpointURL:    sub.EndpointURL,
		Secret:         sub.Secret,
		Payload:        payload,
		State:          Pending{NextRetryAt: now},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Status returns the status of the current state
func (r *DeliveryRecord) Status() DeliveryStatus {
	if r.State == nil {
		return DeliveryStatusPending
	}
	return r.State.Status()
}

// NextRetryAt returns the retry time, or nil when the record is not awaiting one
func (r *DeliveryRecord) NextRetryAt() *time.Time {
	if p, ok := r.State.(Pending); ok {
		t := p.NextRetryAt
		return &t
	}
	return nil
}

// DeliveredAt returns the delivery time, or nil unless the record succeeded
func (r *DeliveryRecord) DeliveredAt() *time.Time {
	if d, ok := r.State.(Delivered); ok {
		t := d.DeliveredAt
		return &t
	}
	return nil
}

// Transition moves the record to the next state.
// Success and failed are terminal; leaving them returns ErrTerminalState.
func (r *DeliveryRecord) Transition(next DeliveryState, at time.Time) error {
	if r.Status().Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminalState, r.ID, r.Status())
	}
	r.State = next
	r.UpdatedAt = at
	return nil
}

// Clone returns a deep copy of the record
func (r *DeliveryRecord) Clone() *DeliveryRecord {
	c := *r
	if r.LastResponseStatus != nil {
		code := *r.LastResponseStatus
		c.LastResponseStatus = &code
	}
	c.Payload.Body = append([]byte(nil), r.Payload.Body...)
	return &c
}

// deliveryRecordJSON is the API view of a record; the secret is never exposed
type deliveryRecordJSON struct {
	ID                 string          `json:"id"`
	SubscriptionID     string          `json:"subscription_id"`
	EndpointURL        string          `json:"endpoint_url"`
	PayloadID          string          `json:"payload_id"`
	EventType          EventType       `json:"event_type"`
	Payload            json.RawMessage `json:"payload,omitempty"`
	Status             DeliveryStatus  `json:"status"`
	Attempts           int             `json:"attempts"`
	NextRetryAt        *time.Time      `json:"next_retry_at"`
	DeliveredAt        *time.Time      `json:"delivered_at,omitempty"`
	LastResponseStatus *int            `json:"last_response_status"`
	LastResponseBody   string          `json:"last_response_body_excerpt,omitempty"`
	LastError          string          `json:"last_error,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// MarshalJSON renders the record for the operator API
func (r *DeliveryRecord) MarshalJSON() ([]byte, error) {
	view := deliveryRecordJSON{
		ID:                 r.ID,
		SubscriptionID:     r.SubscriptionID,
		EndpointURL:        r.EndpointURL,
		PayloadID:          r.Payload.ID,
		EventType:          r.Payload.EventType,
		Status:             r.Status(),
		Attempts:           r.Attempts,
		NextRetryAt:        r.NextRetryAt(),
		DeliveredAt:        r.DeliveredAt(),
		LastResponseStatus: r.LastResponseStatus,
		LastResponseBody:   r.LastResponseBody,
		LastError:          r.LastError,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if json.Valid(r.Payload.Body) {
		view.Payload = r.Payload.Body
	}
	return json.Marshal(view)
}

// FailureUpdate carries the diagnostics and retry decision of a failed attempt
type FailureUpdate struct {
	ResponseStatus *int
	BodyExcerpt    string
	Error          string
	// NextRetryAt is nil when the record gives up
	NextRetryAt *time.Time
	FinalStatus DeliveryStatus
	At          time.Time
}

// SubscriptionInvalidator drops cached subscription lookups after a tenant's subscriptions change
type SubscriptionInvalidator interface {
	InvalidateSubscriptions(ctx context.Context, tenantID string) error
}

// Store is the durable record of delivery attempts consumed by the engine.
// Every mutation applies only to records that are still pending.
type Store interface {
	// CreateDeliveryRecord durably writes a new pending record
	CreateDeliveryRecord(ctx context.Context, record *DeliveryRecord) (string, error)
	// IncrementAttempts atomically consumes an attempt and returns the new count.
	// It succeeds only while the record is pending with exactly expected attempts, otherwise it
	// returns ErrAttemptClaimed. It also leases the record so the sweep skips it while the
	// attempt is in flight.
	IncrementAttempts(ctx context.Context, id string, expected int) (int, error)
	UpdateOnSuccess(ctx context.Context, id string, deliveredAt time.Time, responseStatus int) error
	UpdateOnFailure(ctx context.Context, id string, update FailureUpdate) error
	// FindDueForRetry claims up to limit pending records with next_retry_at <= now
	FindDueForRetry(ctx context.Context, now time.Time, limit int) ([]*DeliveryRecord, error)
	// UpdateSubscriptionLastTriggered is best-effort
	UpdateSubscriptionLastTriggered(ctx context.Context, subscriptionIDs []string, at time.Time) error
}

// DeliveryFilter narrows ListDeliveryRecords
type DeliveryFilter struct {
	SubscriptionID string
	Status         DeliveryStatus
	Limit          int
}

// DeliveryReader exposes the audit trail to operators
type DeliveryReader interface {
	GetDeliveryRecord(ctx context.Context, id string) (*DeliveryRecord, error)
	ListDeliveryRecords(ctx context.Context, filter DeliveryFilter) ([]*DeliveryRecord, error)
}
