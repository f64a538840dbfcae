package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestInjectExtractRoundTrip(t *testing.T) {
	Setup()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	fields := Inject(ctx)
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", fields[HeaderTraceparent])

	restored := trace.SpanContextFromContext(Extract(context.Background(), fields))
	assert.Equal(t, traceID, restored.TraceID())
	assert.True(t, restored.IsRemote())
}

func TestInjectWithoutSpanIsEmpty(t *testing.T) {
	Setup()
	assert.Empty(t, Inject(context.Background()))

	ctx := context.Background()
	assert.Equal(t, ctx, Extract(ctx, nil))
}
