package enums

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSagaStatusTerminal(t *testing.T) {
	assert.False(t, SagaStatusRunning.IsTerminal())
	assert.False(t, SagaStatusCompensating.IsTerminal())
	assert.True(t, SagaStatusCompleted.IsTerminal())
	assert.True(t, SagaStatusCompensated.IsTerminal())
	assert.True(t, SagaStatusFailed.IsTerminal())
}

func TestParsers(t *testing.T) {
	status, err := ParseSagaStatus("COMPENSATING")
	require.NoError(t, err)
	assert.Equal(t, SagaStatusCompensating, status)

	_, err = ParseSagaStatus("compensating")
	assert.Error(t, err)

	agg, err := ParseAggregateType("device")
	require.NoError(t, err)
	assert.True(t, agg.IsValid())

	_, err = ParseOutboxStatus("LOST")
	assert.Error(t, err)
	assert.False(t, OutboxDLQErrorReason("gave_up").IsValid())
	assert.True(t, OutboxDLQReasonUnroutable.IsValid())
	assert.True(t, OutboxDLQReasonMaxAttempts.Retryable())
	assert.False(t, OutboxDLQReasonUnroutable.Retryable())
}

func TestEventAggregates(t *testing.T) {
	agg, ok := EventOrderRefunded.AggregateOf()
	require.True(t, ok)
	assert.Equal(t, AggregateOrder, agg)

	_, ok = EventType("OrderShipped").AggregateOf()
	assert.False(t, ok)

	devices := DomainEventTypes(AggregateDevice)
	assert.Len(t, devices, 5)
	assert.Contains(t, devices, EventDeviceDeprovisioned)
	assert.Empty(t, DomainEventTypes(AggregateSaga))
}
