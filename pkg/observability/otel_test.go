package observability

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestInitOTel_Disabled(t *testing.T) {
	logger := NewLogger(InfoLevel, &bytes.Buffer{})

	providers, err := InitOTel(context.Background(), OTelConfig{Enabled: false}, logger)

	assert.NoError(t, err)
	assert.Nil(t, providers)
}

// OTLP exporters dial lazily, so an unreachable collector does not fail initialization
func TestInitOTel_UnreachableCollector(t *testing.T) {
	logger := NewLogger(InfoLevel, &bytes.Buffer{})

	cfg := OTelConfig{
		Enabled:        true,
		Endpoint:       "127.0.0.1:1",
		ServiceName:    "courier-test",
		ServiceVersion: "test",
		Insecure:       true,
		SampleRatio:    0.5,
	}

	start := time.Now()
	providers, err := InitOTel(context.Background(), cfg, logger)
	require.NoError(t, err)
	require.NotNil(t, providers)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.NotNil(t, providers.TracerProvider)
	assert.NotNil(t, providers.MeterProvider)
	assert.Equal(t, providers.TracerProvider, otel.GetTracerProvider())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = ShutdownOTel(ctx, providers, logger)
}

func TestShutdownOTel_NilProviders(t *testing.T) {
	logger := NewLogger(InfoLevel, &bytes.Buffer{})
	assert.NoError(t, ShutdownOTel(context.Background(), nil, logger))
}

func TestShutdownOTel_TracerOnly(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	providers := &OTelProviders{TracerProvider: sdktrace.NewTracerProvider()}
	require.NoError(t, ShutdownOTel(context.Background(), providers, logger))
	assert.Contains(t, buf.String(), "Tracer provider shutdown complete")
	assert.NotContains(t, buf.String(), "Meter provider shutdown complete")
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(0).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}

func TestUpdateLoggerWithTraceContext_NoSpan(t *testing.T) {
	logger := NewLogger(InfoLevel, &bytes.Buffer{})
	assert.Same(t, logger, UpdateLoggerWithTraceContext(context.Background(), logger))
}

func TestUpdateLoggerWithTraceContext_NonRecordingSpan(t *testing.T) {
	logger := NewLogger(InfoLevel, &bytes.Buffer{})

	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample()))
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	require.False(t, span.IsRecording())

	assert.Same(t, logger, UpdateLoggerWithTraceContext(ctx, logger))
	assert.Equal(t, trace.SpanFromContext(ctx), span)
}
