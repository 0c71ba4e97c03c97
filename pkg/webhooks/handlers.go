package webhooks

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/courier/pkg/httputil"
	"github.com/platinummonkey/courier/pkg/observability"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Handlers exposes the engine to operators and internal event sources over HTTP
type Handlers struct {
	dispatcher  *Dispatcher
	attempter   *Attempter
	reader      DeliveryReader
	testLimiter *RateLimiter
	invalidator SubscriptionInvalidator
}

// NewHandlers creates new handlers. testLimiter may be nil to disable endpoint test limiting.
func NewHandlers(dispatcher *Dispatcher, attempter *Attempter, reader DeliveryReader, testLimiter *RateLimiter) *Handlers {
	return &Handlers{
		dispatcher:  dispatcher,
		attempter:   attempter,
		reader:      reader,
		testLimiter: testLimiter,
	}
}

// WithInvalidator enables POST /subscriptions/invalidate for the service that manages subscriptions
func (h *Handlers) WithInvalidator(invalidator SubscriptionInvalidator) *Handlers {
	h.invalidator = invalidator
	return h
}

// RegisterRoutes registers the operator routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/events", h.triggerEvent).Methods(http.MethodPost)
	router.HandleFunc("/webhooks/test", h.testEndpoint).Methods(http.MethodPost)
	router.HandleFunc("/deliveries", h.listDeliveries).Methods(http.MethodGet)
	router.HandleFunc("/deliveries/{id}", h.getDelivery).Methods(http.MethodGet)
	if h.invalidator != nil {
		router.HandleFunc("/subscriptions/invalidate", h.invalidateSubscriptions).Methods(http.MethodPost)
	}
}

type invalidateRequest struct {
	TenantID string `json:"tenant_id"`
}

// invalidateSubscriptions handles POST /subscriptions/invalidate
func (h *Handlers) invalidateSubscriptions(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.TenantID, "tenant_id") {
		return
	}

	if err := h.invalidator.InvalidateSubscriptions(r.Context(), req.TenantID); err != nil {
		observability.FromContext(r.Context()).WithError(err).
			WithField("tenant_id", req.TenantID).
			Error("Failed to invalidate subscription cache")
		httputil.WriteInternalError(w, fmt.Errorf("failed to invalidate subscription cache"))
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"tenant_id":   req.TenantID,
		"invalidated": true,
	})
}

// triggerEvent handles POST /events
func (h *Handlers) triggerEvent(w http.ResponseWriter, r *http.Request) {
	var event Event
	if !httputil.ParseJSONOrError(w, r, &event) {
		return
	}
	if !httputil.RequireNonEmpty(w, string(event.Type), "event_type") ||
		!httputil.RequireNonEmpty(w, event.TenantID, "tenant_id") {
		return
	}

	ctx := observability.WithTenantID(r.Context(), event.TenantID)
	result, err := h.dispatcher.Trigger(ctx, event)
	if err != nil {
		observability.FromContext(ctx).WithError(err).
			WithField("event_type", string(event.Type)).
			Error("Failed to trigger event")
		httputil.WriteInternalError(w, fmt.Errorf("failed to trigger event"))
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, result)
}

type testEndpointRequest struct {
	EndpointURL string    `json:"endpoint_url"`
	Secret      string    `json:"secret"`
	EventType   EventType `json:"event_type,omitempty"`
}

// testEndpoint handles POST /webhooks/test
func (h *Handlers) testEndpoint(w http.ResponseWriter, r *http.Request) {
	var req testEndpointRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if err := ValidateEndpointURL(req.EndpointURL); err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}
	if !httputil.RequireNonEmpty(w, req.Secret, "secret") {
		return
	}

	if h.testLimiter != nil {
		u, _ := url.Parse(req.EndpointURL)
		if !h.testLimiter.Allow(u.Host) {
			httputil.WriteTooManyRequests(w, "too many endpoint tests for this host, try again later")
			return
		}
	}

	result, err := h.attempter.TestEndpoint(r.Context(), req.EndpointURL, req.Secret, req.EventType)
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}

	httputil.WriteSuccess(w, result)
}

// getDelivery handles GET /deliveries/{id}
func (h *Handlers) getDelivery(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	record, err := h.reader.GetDeliveryRecord(r.Context(), id)
	if errors.Is(err, ErrRecordNotFound) {
		httputil.WriteNotFoundError(w, "delivery not found")
		return
	}
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).WithField("delivery_id", id).Error("Failed to load delivery")
		httputil.WriteInternalError(w, fmt.Errorf("failed to load delivery"))
		return
	}

	httputil.WriteSuccess(w, record)
}

// listDeliveries handles GET /deliveries
func (h *Handlers) listDeliveries(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.ParseQueryInt(r, "limit", defaultListLimit)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if limit <= 0 || limit > maxListLimit {
		httputil.WriteBadRequest(w, fmt.Sprintf("limit must be between 1 and %d", maxListLimit))
		return
	}

	filter := DeliveryFilter{
		SubscriptionID: httputil.ParseQueryString(r, "subscription_id", ""),
		Limit:          limit,
	}
	if s := httputil.ParseQueryString(r, "status", ""); s != "" {
		status, err := ParseDeliveryStatus(s)
		if err != nil {
			httputil.WriteBadRequest(w, err.Error())
			return
		}
		filter.Status = status
	}

	records, err := h.reader.ListDeliveryRecords(r.Context(), filter)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("Failed to list deliveries")
		httputil.WriteInternalError(w, fmt.Errorf("failed to list deliveries"))
		return
	}
	if records == nil {
		records = []*DeliveryRecord{}
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"deliveries": records,
		"count":      len(records),
		"as_of":      time.Now().UTC(),
	})
}
