package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/cloudphone/txcore/pkg/config"
	"github.com/cloudphone/txcore/pkg/db"
	"github.com/cloudphone/txcore/pkg/db/dbtest"
	"github.com/cloudphone/txcore/pkg/db/models"
	"github.com/cloudphone/txcore/pkg/enums"
	pkgerrors "github.com/cloudphone/txcore/pkg/errors"
	"github.com/cloudphone/txcore/pkg/logger"
	"github.com/cloudphone/txcore/pkg/metrics"
	"github.com/cloudphone/txcore/pkg/outbox"
	"github.com/cloudphone/txcore/pkg/outbox/registry"
)

var testTopics = config.PubSubConfig{
	UsersTopic:           "user-events",
	BillingTopic:         "billing-events",
	DevicesTopic:         "device-events",
	BillingCommandsTopic: "billing-commands",
	DeviceCommandsTopic:  "device-commands",
	UserCommandsTopic:    "user-commands",
	SagaRepliesTopic:     "saga-replies",
}

type published struct {
	topic string
	msg   *registry.ResolvedMessage
	data  []byte
}

type fakeTransport struct {
	mu   sync.Mutex
	errs []error
	sent []published
}

func (f *fakeTransport) Publish(_ context.Context, msg *registry.ResolvedMessage, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, published{topic: msg.Topic, msg: msg, data: data})
	return nil
}

func (f *fakeTransport) Ping(context.Context) error { return nil }
func (f *fakeTransport) Close() error               { return nil }

type harness struct {
	svc       *Service
	conn      *gorm.DB
	transport *fakeTransport
	reg       *prometheus.Registry
	now       time.Time
}

func newHarness(t *testing.T, maxAttempts int) *harness {
	t.Helper()
	conn := dbtest.Open(t)
	eventRegistry, err := registry.NewEventRegistry(testTopics)
	require.NoError(t, err)

	transport := &fakeTransport{}
	reg := prometheus.NewRegistry()
	repo := outbox.NewRepository(conn)
	cfg := &config.Config{Outbox: config.OutboxConfig{
		BatchSize:     10,
		MaxAttempts:   maxAttempts,
		BackoffBase:   time.Second,
		BackoffFactor: 2,
		BackoffMax:    5 * time.Minute,
		LeaseTTL:      30 * time.Second,
	}}
	svc, err := NewService(ServiceParams{
		Config:        cfg,
		Logger:        logger.Nop(),
		DB:            db.NewFromConn(conn),
		Transport:     transport,
		Repository:    repo,
		Registry:      eventRegistry,
		DLQRepository: outbox.NewDLQRepository(conn, repo),
		Metrics:       metrics.NewOutboxMetrics(reg),
		Owner:         "publisher-test",
	})
	require.NoError(t, err)

	h := &harness{svc: svc, conn: conn, transport: transport, reg: reg, now: outbox.Now().Add(time.Second)}
	svc.now = func() time.Time { return h.now }
	return h
}

func (h *harness) enqueue(t *testing.T, msg outbox.Message) {
	t.Helper()
	eventRegistry, err := registry.NewEventRegistry(testTopics)
	require.NoError(t, err)
	writer := outbox.NewService(outbox.NewRepository(h.conn), eventRegistry, nil)
	require.NoError(t, writer.Enqueue(context.Background(), h.conn, msg))
}

func (h *harness) row(t *testing.T, aggregateID string) models.OutboxMessage {
	t.Helper()
	var row models.OutboxMessage
	require.NoError(t, h.conn.Where("aggregate_id = ?", aggregateID).First(&row).Error)
	return row
}

func userCreated(id string) outbox.Message {
	return outbox.Message{
		EventType:      string(enums.EventUserCreated),
		AggregateID:    id,
		AggregateType:  enums.AggregateUser,
		Version:        1,
		Payload:        json.RawMessage(`{"username":"ada"}`),
		IdempotencyKey: id + ":1",
	}
}

func TestProcessBatchPublishesAndMarksSent(t *testing.T) {
	h := newHarness(t, 10)
	h.enqueue(t, userCreated("u-1"))
	h.enqueue(t, userCreated("u-2"))

	processed, err := h.svc.processBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, processed)

	require.Len(t, h.transport.sent, 2)
	first := h.transport.sent[0]
	assert.Equal(t, "user-events", first.topic)
	attrs := first.msg.Envelope.Attributes()
	assert.Equal(t, "UserCreated", attrs[outbox.AttrEventType])
	assert.Equal(t, "u-1", attrs[outbox.AttrAggregateID])
	assert.Equal(t, "u-1:1", attrs[outbox.AttrIdempotencyKey])

	env, err := outbox.DecodeEnvelope(first.data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"username":"ada"}`, string(env.Payload))

	row := h.row(t, "u-1")
	assert.Equal(t, enums.OutboxStatusSent, row.Status)
	require.NotNil(t, row.SentAt)
	assert.Nil(t, row.LockedBy)

	processed, err = h.svc.processBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, processed)
}

func TestProcessBatchSchedulesRetryWithBackoff(t *testing.T) {
	h := newHarness(t, 10)
	h.enqueue(t, userCreated("u-1"))
	h.enqueue(t, userCreated("u-2"))
	h.transport.errs = []error{errors.New("broker unavailable"), nil}

	processed, err := h.svc.processBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, processed)

	failed := h.row(t, "u-1")
	assert.Equal(t, enums.OutboxStatusPending, failed.Status)
	assert.Equal(t, 1, failed.Attempts)
	require.NotNil(t, failed.LastError)
	assert.Contains(t, *failed.LastError, "broker unavailable")
	assert.WithinDuration(t, h.now.Add(time.Second), failed.NextAttemptAt, time.Millisecond)
	assert.Nil(t, failed.LockedBy)
	assert.Equal(t, enums.OutboxStatusSent, h.row(t, "u-2").Status)

	processed, err = h.svc.processBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, processed, "row is not due before its backoff elapses")

	h.now = h.now.Add(2 * time.Second)
	processed, err = h.svc.processBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, enums.OutboxStatusSent, h.row(t, "u-1").Status)
}

func TestProcessBatchDeadLettersAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, 2)
	h.enqueue(t, userCreated("u-1"))
	h.transport.errs = []error{errors.New("timeout"), errors.New("timeout")}

	_, err := h.svc.processBatch(context.Background())
	require.NoError(t, err)
	h.now = h.now.Add(time.Minute)
	_, err = h.svc.processBatch(context.Background())
	require.NoError(t, err)

	row := h.row(t, "u-1")
	assert.Equal(t, enums.OutboxStatusFailed, row.Status)
	assert.Equal(t, 2, row.Attempts)

	var dlq []models.OutboxDLQ
	require.NoError(t, h.conn.Find(&dlq).Error)
	require.Len(t, dlq, 1)
	assert.Equal(t, enums.OutboxDLQReasonMaxAttempts, dlq[0].ErrorReason)
	assert.Equal(t, row.ID, dlq[0].OutboxID)
	assert.Equal(t, row.EventID, dlq[0].EventID)
	assert.Equal(t, "user-events", dlq[0].DestinationTopic)

	h.now = h.now.Add(time.Hour)
	processed, err := h.svc.processBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, processed, "FAILED rows are never claimed")

	dead := outbox.NewDLQRepository(h.conn, outbox.NewRepository(h.conn))
	listed, err := dead.List(context.Background(), outbox.DLQQuery{Reason: enums.OutboxDLQReasonMaxAttempts})
	require.NoError(t, err)
	require.Len(t, listed, 1)

	requeued, err := dead.Requeue(context.Background(), listed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, row.ID, requeued.OutboxID)
	_, err = dead.Requeue(context.Background(), listed[0].ID)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))

	processed, err = h.svc.processBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	row = h.row(t, "u-1")
	assert.Equal(t, enums.OutboxStatusSent, row.Status)
	assert.Equal(t, row.EventID, listed[0].EventID, "requeue keeps the event id")
}

func TestProcessBatchDeadLettersUnroutableRows(t *testing.T) {
	h := newHarness(t, 10)
	msg := userCreated("u-1")
	msg.Topic = "nowhere"
	h.enqueue(t, msg)

	_, err := h.svc.processBatch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h.transport.sent)

	var dlq models.OutboxDLQ
	require.NoError(t, h.conn.First(&dlq).Error)
	assert.Equal(t, enums.OutboxDLQReasonUnroutable, dlq.ErrorReason)
	require.NotNil(t, dlq.ErrorMessage)
	assert.Contains(t, *dlq.ErrorMessage, "nowhere")
	assert.Equal(t, enums.OutboxStatusFailed, h.row(t, "u-1").Status)
}

func TestProcessBatchReleasesRowsWhileCircuitOpen(t *testing.T) {
	h := newHarness(t, 10)
	h.enqueue(t, userCreated("u-1"))
	h.transport.errs = []error{errCircuitOpen}

	_, err := h.svc.processBatch(context.Background())
	require.NoError(t, err)

	row := h.row(t, "u-1")
	assert.Equal(t, enums.OutboxStatusPending, row.Status)
	assert.Zero(t, row.Attempts)
	assert.Nil(t, row.LockedBy)
	assert.True(t, row.NextAttemptAt.After(h.now))
}

func TestProcessBatchSkipsRowsLeasedElsewhere(t *testing.T) {
	h := newHarness(t, 10)
	h.enqueue(t, userCreated("u-1"))

	claimed, err := outbox.NewRepository(h.conn).ClaimBatch(context.Background(), "other-worker", 10, time.Minute, h.now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	processed, err := h.svc.processBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, processed)

	h.now = h.now.Add(2 * time.Minute)
	processed, err = h.svc.processBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, processed, "expired lease is claimable again")
	assert.Equal(t, enums.OutboxStatusSent, h.row(t, "u-1").Status)
}

// flakyMarkSent fails to settle one aggregate's row as if the database
// connection dropped mid-batch.
type flakyMarkSent struct {
	outboxRepository
	failID uuid.UUID
}

func (f *flakyMarkSent) MarkSent(ctx context.Context, id uuid.UUID, owner string, now time.Time) error {
	if id == f.failID {
		return errors.New("connection reset")
	}
	return f.outboxRepository.MarkSent(ctx, id, owner, now)
}

func TestProcessBatchKeepsRelayingAfterRowError(t *testing.T) {
	h := newHarness(t, 10)
	for _, id := range []string{"u-1", "u-2", "u-3"} {
		h.enqueue(t, userCreated(id))
	}
	h.svc.repo = &flakyMarkSent{outboxRepository: h.svc.repo, failID: h.row(t, "u-1").ID}

	processed, err := h.svc.processBatch(context.Background())
	assert.Equal(t, 3, processed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	assert.Len(t, h.transport.sent, 3)
	assert.Equal(t, enums.OutboxStatusSent, h.row(t, "u-2").Status)
	assert.Equal(t, enums.OutboxStatusSent, h.row(t, "u-3").Status)
	assert.NotEqual(t, enums.OutboxStatusSent, h.row(t, "u-1").Status)
}

func TestBreakerTransportTripsOnTransportFailures(t *testing.T) {
	inner := &fakeTransport{}
	for i := 0; i < 5; i++ {
		inner.errs = append(inner.errs, errors.New("connection refused"))
	}
	breaker := newBreakerTransport("test", inner, nil)
	msg := &registry.ResolvedMessage{Topic: "user-events"}

	for i := 0; i < 5; i++ {
		err := breaker.Publish(context.Background(), msg, nil)
		require.Error(t, err)
		assert.False(t, errors.Is(err, errCircuitOpen))
	}
	err := breaker.Publish(context.Background(), msg, nil)
	assert.True(t, errors.Is(err, errCircuitOpen))
	assert.Empty(t, inner.sent)
}

func TestBreakerTransportIgnoresNonRetryableErrors(t *testing.T) {
	inner := &fakeTransport{}
	for i := 0; i < 6; i++ {
		inner.errs = append(inner.errs, registry.NewNonRetryableError(errors.New("bad topic")))
	}
	breaker := newBreakerTransport("test", inner, nil)
	msg := &registry.ResolvedMessage{Topic: "user-events"}

	for i := 0; i < 6; i++ {
		err := breaker.Publish(context.Background(), msg, nil)
		assert.True(t, registry.IsNonRetryable(err))
	}
	require.NoError(t, breaker.Publish(context.Background(), msg, nil))
	assert.Len(t, inner.sent, 1)
}

func TestPublishMetrics(t *testing.T) {
	h := newHarness(t, 10)
	h.enqueue(t, userCreated("u-1"))
	_, err := h.svc.processBatch(context.Background())
	require.NoError(t, err)

	mfs, err := h.reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range mfs {
		if mf.GetName() != "txcore_outbox_published_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(1), total)
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(ServiceParams{})
	require.Error(t, err)

	_, err = NewService(ServiceParams{Config: &config.Config{}, Logger: logger.Nop()})
	require.Error(t, err)
}
