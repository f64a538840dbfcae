package kafka

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/cloudphone/txcore/pkg/config"
	"github.com/cloudphone/txcore/pkg/tracing"
)

func TestSplitBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, SplitBrokers(" a:9092, ,b:9092 "))
	assert.Empty(t, SplitBrokers(""))
}

func TestHeadersRoundTrip(t *testing.T) {
	attrs := map[string]string{"event_type": "OrderPaid", "event_id": "e-1", "aggregate_id": "o-1"}
	headers := HeadersFromAttributes(attrs)
	require.Len(t, headers, 3)
	assert.Equal(t, "aggregate_id", headers[0].Key)
	assert.Equal(t, attrs, AttributesFromHeaders(headers))
}

func TestExtractEventMetaFallsBack(t *testing.T) {
	meta := ExtractEventMeta(kafka.Message{Topic: "txcore-saga-replies", Key: []byte("k-1")})
	assert.Equal(t, "k-1", meta.EventID)
	assert.Equal(t, "txcore-saga-replies", meta.EventType)

	meta = ExtractEventMeta(kafka.Message{Headers: []kafka.Header{
		{Key: "event_id", Value: []byte("e-9")},
		{Key: "event_type", Value: []byte("SagaStepReply")},
	}})
	assert.Equal(t, EventMeta{EventID: "e-9", EventType: "SagaStepReply"}, meta)
}

func TestTraceHeadersRoundTrip(t *testing.T) {
	tracing.Setup()
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	ctx := trace.ContextWithRemoteSpanContext(context.Background(), sc)

	headers := InjectTraceHeaders(ctx, []kafka.Header{{Key: "event_id", Value: []byte("e-1")}})
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", HeaderValue(headers, tracing.HeaderTraceparent))

	extracted := trace.SpanContextFromContext(ExtractTraceContext(context.Background(), kafka.Message{Headers: headers}))
	assert.Equal(t, traceID, extracted.TraceID())
}

func TestConstructorsRequireBrokers(t *testing.T) {
	_, err := NewWriter(config.KafkaConfig{})
	assert.Error(t, err)
	_, err = NewReader(config.KafkaConfig{Brokers: "localhost:9092"}, "", "")
	assert.Error(t, err)
	assert.Error(t, ReadyCheck("")(context.Background()))
}
