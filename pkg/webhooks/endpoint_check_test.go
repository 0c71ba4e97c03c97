package webhooks

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTestEndpoint_Success(t *testing.T) {
	endpoint := newScriptedEndpoint(t, http.StatusOK)
	store, attempter := newTestEngine(t, newTestClock())

	result, err := attempter.TestEndpoint(context.Background(), endpoint.URL, "test-secret", "")
	require.NoError(t, err)

	assert.True(t, result.OK)
	assert.Equal(t, 200, result.Status)
	assert.Equal(t, `{"received":true}`, result.Body)
	assert.Empty(t, result.Error)

	body, header := endpoint.Request(0)
	assert.Equal(t, "true", header.Get(HeaderTest))
	assert.Equal(t, string(EventWebhookTest), header.Get(HeaderEvent))
	assert.Equal(t, result.PayloadID, header.Get(HeaderID))
	assert.True(t, VerifySignature(body, header.Get(HeaderSignature), "test-secret"))

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, true, payload["data"].(map[string]interface{})["test"])

	records, err := store.ListDeliveryRecords(context.Background(), DeliveryFilter{})
	require.NoError(t, err)
	assert.Empty(t, records, "endpoint tests leave no delivery records")
}

func TestTestEndpoint_NonSuccessIsNotRetried(t *testing.T) {
	endpoint := newScriptedEndpoint(t, http.StatusServiceUnavailable)
	_, attempter := newTestEngine(t, newTestClock())

	result, err := attempter.TestEndpoint(context.Background(), endpoint.URL, "test-secret", EventMemberJoined)
	require.NoError(t, err)

	assert.False(t, result.OK)
	assert.Equal(t, 503, result.Status)
	assert.Contains(t, result.Error, "503")
	assert.Equal(t, 1, endpoint.Calls())
}

func TestTestEndpoint_UnreachableHost(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	_, attempter := newTestEngine(t, newTestClock())

	result, err := attempter.TestEndpoint(context.Background(), "http://"+addr+"/hook", "test-secret", "")
	require.NoError(t, err)

	assert.False(t, result.OK)
	assert.Zero(t, result.Status)
	assert.Contains(t, result.Error, "failed to send webhook")
}

func TestTestEndpoint_InvalidInput(t *testing.T) {
	_, attempter := newTestEngine(t, newTestClock())
	ctx := context.Background()

	_, err := attempter.TestEndpoint(ctx, "", "s", "")
	assert.Error(t, err)
	_, err = attempter.TestEndpoint(ctx, "ftp://example.com", "s", "")
	assert.Error(t, err)
	_, err = attempter.TestEndpoint(ctx, "https://example.com", "", "")
	assert.Error(t, err)
}

func TestValidateEndpointURL(t *testing.T) {
	assert.NoError(t, ValidateEndpointURL("https://hooks.example.com/x"))
	assert.NoError(t, ValidateEndpointURL("http://localhost:8080"))
	assert.Error(t, ValidateEndpointURL(""))
	assert.Error(t, ValidateEndpointURL("/relative"))
	assert.Error(t, ValidateEndpointURL("mailto:ops@example.com"))
	assert.Error(t, ValidateEndpointURL("://bad"))
}
