package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxMetricsByTopic(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOutboxMetrics(reg)

	m.ObservePublish("user-events", 20*time.Millisecond)
	m.ObservePublish("user-events", 10*time.Millisecond)
	m.IncRetry("billing-events")
	m.IncDeadLettered("billing-events", "max_attempts")
	m.SetBacklog("PENDING", 7)

	mfs, err := reg.Gather()
	require.NoError(t, err)

	published, err := fetchCounterValue(mfs, "txcore_outbox_published_total", "topic", "user-events")
	require.NoError(t, err)
	assert.Equal(t, 2.0, published)

	retries, err := fetchCounterValue(mfs, "txcore_outbox_retries_total", "topic", "billing-events")
	require.NoError(t, err)
	assert.Equal(t, 1.0, retries)

	dead, err := fetchCounterValue(mfs, "txcore_outbox_dead_lettered_total", "reason", "max_attempts")
	require.NoError(t, err)
	assert.Equal(t, 1.0, dead)

	sum, err := fetchHistogramSum(mfs, "txcore_outbox_publish_duration_seconds", "topic", "user-events")
	require.NoError(t, err)
	assert.InDelta(t, 0.03, sum, 1e-9)

	backlog := findMetricFamily(mfs, "txcore_outbox_messages")
	require.NotNil(t, backlog)
	assert.Equal(t, 7.0, backlog.GetMetric()[0].GetGauge().GetValue())
}

func TestSagaMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSagaMetrics(reg)

	m.IncStarted("purchase_plan")
	m.IncCompensating("purchase_plan")
	m.IncFinished("purchase_plan", "COMPENSATED")
	m.IncStepRetry("purchase_plan", "PROCESS_PAYMENT")
	m.IncTimeout("device_provisioning")

	mfs, err := reg.Gather()
	require.NoError(t, err)

	finished, err := fetchCounterValue(mfs, "txcore_saga_finished_total", "status", "COMPENSATED")
	require.NoError(t, err)
	assert.Equal(t, 1.0, finished)

	timeouts, err := fetchCounterValue(mfs, "txcore_saga_timeouts_total", "saga_type", "device_provisioning")
	require.NoError(t, err)
	assert.Equal(t, 1.0, timeouts)
}
