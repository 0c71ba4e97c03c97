package webhooks

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/courier/pkg/observability"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// testClock is a settable time source shared by the store and the attempter
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: testEpoch}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.DebugLevel, io.Discard)
}

type recordedAttempt struct {
	eventType string
	outcome   string
}

// captureRecorder keeps everything reported to it
type captureRecorder struct {
	mu       sync.Mutex
	triggers map[string]int
	attempts []recordedAttempt
	sweeps   []int
	depth    int
}

func newCaptureRecorder() *captureRecorder {
	return &captureRecorder{triggers: map[string]int{}}
}

func (r *captureRecorder) RecordTrigger(_ context.Context, eventType string, matched int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers[eventType] += matched
}

func (r *captureRecorder) RecordAttempt(_ context.Context, eventType, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, recordedAttempt{eventType: eventType, outcome: outcome})
}

func (r *captureRecorder) RecordSweep(_ context.Context, records int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweeps = append(r.sweeps, records)
}

func (r *captureRecorder) SetQueueDepth(depth int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.depth = depth
}

func (r *captureRecorder) outcomes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.attempts))
	for _, a := range r.attempts {
		out = append(out, a.outcome)
	}
	return out
}

// scriptedEndpoint answers with the given status codes in order, repeating the last one
type scriptedEndpoint struct {
	*httptest.Server
	calls  atomic.Int32
	mu     sync.Mutex
	bodies [][]byte
	header []http.Header
}

func newScriptedEndpoint(t *testing.T, statuses ...int) *scriptedEndpoint {
	t.Helper()
	require.NotEmpty(t, statuses)

	e := &scriptedEndpoint{}
	e.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		e.mu.Lock()
		e.bodies = append(e.bodies, body)
		e.header = append(e.header, r.Header.Clone())
		e.mu.Unlock()

		n := int(e.calls.Add(1)) - 1
		if n >= len(statuses) {
			n = len(statuses) - 1
		}
		w.WriteHeader(statuses[n])
		_, _ = w.Write([]byte(`{"received":true}`))
	}))
	t.Cleanup(e.Close)
	return e
}

func (e *scriptedEndpoint) Calls() int {
	return int(e.calls.Load())
}

func (e *scriptedEndpoint) Request(i int) ([]byte, http.Header) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bodies[i], e.header[i]
}

// newTestEngine wires a memory store and an attempter to the same clock
func newTestEngine(t *testing.T, clock *testClock, opts ...AttempterOption) (*MemoryStore, *Attempter) {
	t.Helper()
	store := NewMemoryStore(0)
	store.now = clock.Now

	opts = append([]AttempterOption{
		WithAttempterLogger(testLogger()),
		WithAttempterClock(clock.Now),
	}, opts...)
	return store, NewAttempter(store, DefaultAttempterConfig(), opts...)
}

func testSubscription(id, tenantID, endpointURL string, events ...EventType) Subscription {
	return Subscription{
		ID:               id,
		TenantID:         tenantID,
		EndpointURL:      endpointURL,
		Secret:           "whsec-" + id,
		SubscribedEvents: events,
		Active:           true,
	}
}

// seedRecord writes a fresh pending record for sub and returns the caller's copy
func seedRecord(t *testing.T, store *MemoryStore, sub Subscription, at time.Time) *DeliveryRecord {
	t.Helper()
	payload, err := NewPayload(Event{
		Type:       EventMemberJoined,
		TenantID:   sub.TenantID,
		OccurredAt: at,
		Data:       map[string]interface{}{"member_id": "m-1"},
	})
	require.NoError(t, err)

	record := NewDeliveryRecord(sub, payload, at)
	_, err = store.CreateDeliveryRecord(context.Background(), record)
	require.NoError(t, err)
	return record
}
