package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudphone/txcore/pkg/config"
	"github.com/cloudphone/txcore/pkg/db/models"
	dbtypes "github.com/cloudphone/txcore/pkg/db/types"
	"github.com/cloudphone/txcore/pkg/enums"
	"github.com/cloudphone/txcore/pkg/outbox"
)

func TestEventRegistryRoutesDomainEventsByAggregate(t *testing.T) {
	reg := newTestRegistry(t)

	topic, ok := reg.TopicFor(string(enums.EventOrderPaid))
	require.True(t, ok)
	assert.Equal(t, "billing-events", topic)

	topic, ok = reg.TopicFor(string(enums.EventDeviceStarted))
	require.True(t, ok)
	assert.Equal(t, "device-events", topic)

	topic, ok = reg.TopicFor(string(enums.EventSagaCompensationReply))
	require.True(t, ok)
	assert.Equal(t, "saga-replies", topic)
	assert.Equal(t, "saga-replies", reg.ReplyTopic())

	_, ok = reg.TopicFor("OrderShipped")
	assert.False(t, ok)
}

func TestEventRegistryCommandTopics(t *testing.T) {
	reg := newTestRegistry(t)

	topic, err := reg.CommandTopic(enums.ServiceDevices)
	require.NoError(t, err)
	assert.Equal(t, "device-commands", topic)

	_, err = reg.CommandTopic(enums.Service("shipping"))
	assert.Error(t, err)

	assert.Equal(t, []string{
		"billing-commands", "billing-events", "device-commands", "device-events",
		"saga-replies", "user-commands", "user-events",
	}, reg.Topics())
}

func TestNewEventRegistryRequiresTopics(t *testing.T) {
	cfg := testPubSubConfig()
	cfg.SagaRepliesTopic = ""
	cfg.UsersTopic = " "

	_, err := NewEventRegistry(cfg)
	require.Error(t, err)
	assert.Equal(t, "saga replies topic, users topic required", err.Error())
}

func TestEventRegistryResolveSuccess(t *testing.T) {
	reg := newTestRegistry(t)
	eventID := uuid.New()
	row := models.OutboxMessage{
		EventID:          eventID,
		EventType:        string(enums.EventOrderCreated),
		DestinationTopic: "billing-events",
		Payload:          mustEnvelope(t, eventID),
	}

	resolved, err := reg.Resolve(row)
	require.NoError(t, err)
	assert.Equal(t, "billing-events", resolved.Topic)
	assert.Equal(t, eventID, resolved.Envelope.EventID)
	assert.Equal(t, "order-1:1", resolved.Envelope.IdempotencyKey)
}

func TestEventRegistryResolveNonRetryable(t *testing.T) {
	reg := newTestRegistry(t)
	eventID := uuid.New()

	cases := map[string]models.OutboxMessage{
		"unknown topic": {
			EventID:          eventID,
			DestinationTopic: "nowhere",
			Payload:          mustEnvelope(t, eventID),
		},
		"malformed payload": {
			EventID:          eventID,
			DestinationTopic: "billing-events",
			Payload:          dbtypes.JSON(`{"eventId":`),
		},
		"mismatched event id": {
			EventID:          uuid.New(),
			DestinationTopic: "billing-events",
			Payload:          mustEnvelope(t, eventID),
		},
	}
	for name, row := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := reg.Resolve(row)
			require.Error(t, err)
			assert.True(t, IsNonRetryable(err))
		})
	}
}

func TestIsNonRetryableUnwraps(t *testing.T) {
	err := fmt.Errorf("publish: %w", NewNonRetryableError(errors.New("bad topic")))
	assert.True(t, IsNonRetryable(err))
	assert.False(t, IsNonRetryable(errors.New("timeout")))
	assert.Equal(t, "non-retryable error", NonRetryableError{}.Error())
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewEventRegistry(testPubSubConfig())
	require.NoError(t, err)
	return reg
}

func testPubSubConfig() config.PubSubConfig {
	return config.PubSubConfig{
		UsersTopic:           "user-events",
		BillingTopic:         "billing-events",
		DevicesTopic:         "device-events",
		BillingCommandsTopic: "billing-commands",
		DeviceCommandsTopic:  "device-commands",
		UserCommandsTopic:    "user-commands",
		SagaRepliesTopic:     "saga-replies",
	}
}

func mustEnvelope(t *testing.T, eventID uuid.UUID) dbtypes.JSON {
	t.Helper()
	data, err := json.Marshal(outbox.Envelope{
		EventID:        eventID,
		EventType:      string(enums.EventOrderCreated),
		AggregateID:    "order-1",
		AggregateType:  enums.AggregateOrder,
		Version:        1,
		SchemaVersion:  1,
		Payload:        json.RawMessage(`{"planId":"basic"}`),
		OccurredAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		IdempotencyKey: "order-1:1",
	})
	require.NoError(t, err)
	return dbtypes.JSON(data)
}
