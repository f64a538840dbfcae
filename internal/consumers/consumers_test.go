package consumers

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudphone/txcore/internal/participant"
	"github.com/cloudphone/txcore/internal/saga"
	"github.com/cloudphone/txcore/pkg/enums"
	pkgerrors "github.com/cloudphone/txcore/pkg/errors"
	"github.com/cloudphone/txcore/pkg/logger"
	"github.com/cloudphone/txcore/pkg/outbox"
	"github.com/cloudphone/txcore/pkg/outbox/idempotency"
)

type memoryStore struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (m *memoryStore) Get(context.Context, string) (string, error) { return "", nil }

func (m *memoryStore) SetNX(_ context.Context, key string, _ any, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys[key] {
		return false, nil
	}
	m.keys[key] = true
	return true, nil
}

func (m *memoryStore) IdempotencyKey(scope, id string) string {
	return "txc:idempotency:" + scope + ":" + id
}

func (m *memoryStore) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.keys, k)
	}
	return nil
}

func (m *memoryStore) Set(_ context.Context, key string, _ any, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = true
	return nil
}

func (m *memoryStore) DelIfValue(_ context.Context, key, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	held := m.keys[key]
	delete(m.keys, key)
	return held, nil
}

type fakeOrchestrator struct {
	replies []saga.Reply
	errs    []error
}

func (f *fakeOrchestrator) HandleReply(_ context.Context, reply saga.Reply) error {
	f.replies = append(f.replies, reply)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func envelope(t *testing.T, eventID uuid.UUID, eventType enums.EventType, payload any) []byte {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	raw, err := json.Marshal(outbox.Envelope{
		EventID:       eventID,
		EventType:     string(eventType),
		AggregateID:   "purchase_plan-1",
		AggregateType: enums.AggregateSaga,
		Payload:       body,
	})
	require.NoError(t, err)
	return raw
}

func newReplyConsumer(t *testing.T, orch *fakeOrchestrator) *ReplyConsumer {
	t.Helper()
	manager, err := idempotency.NewManager(&memoryStore{keys: map[string]bool{}}, time.Hour)
	require.NoError(t, err)
	c, err := NewReplyConsumer(&sliceSource{}, orch, manager, logger.Nop())
	require.NoError(t, err)
	return c
}

func stepReply() saga.Reply {
	return saga.Reply{
		SagaID:    "purchase_plan-1",
		StepIndex: 2,
		Kind:      enums.SagaMessageCommand,
		Attempt:   1,
		Outcome:   enums.OutcomeSucceeded,
	}
}

func TestReplyConsumerDedupesOnEventID(t *testing.T) {
	orch := &fakeOrchestrator{}
	c := newReplyConsumer(t, orch)
	d := Delivery{MessageID: "m-1", Data: envelope(t, uuid.New(), enums.EventSagaStepReply, stepReply())}

	require.NoError(t, c.Handle(context.Background(), d))
	require.NoError(t, c.Handle(context.Background(), d))
	require.Len(t, orch.replies, 1)
	assert.Equal(t, 2, orch.replies[0].StepIndex)
}

func TestReplyConsumerReleasesGuardOnFailure(t *testing.T) {
	conflict := pkgerrors.New(pkgerrors.CodeConcurrencyConflict, "saga moved")
	orch := &fakeOrchestrator{errs: []error{conflict}}
	c := newReplyConsumer(t, orch)
	d := Delivery{Data: envelope(t, uuid.New(), enums.EventSagaStepReply, stepReply())}

	err := c.Handle(context.Background(), d)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConcurrencyConflict))

	// The redelivery is processed again.
	require.NoError(t, c.Handle(context.Background(), d))
	assert.Len(t, orch.replies, 2)
}

func TestReplyConsumerAcksPoisonMessages(t *testing.T) {
	orch := &fakeOrchestrator{errs: []error{pkgerrors.New(pkgerrors.CodeNotFound, "saga gone")}}
	c := newReplyConsumer(t, orch)
	ctx := context.Background()

	assert.NoError(t, c.Handle(ctx, Delivery{Data: []byte("not json")}))
	assert.NoError(t, c.Handle(ctx, Delivery{Data: envelope(t, uuid.New(), enums.EventOrderPaid, map[string]any{})}))
	assert.NoError(t, c.Handle(ctx, Delivery{Data: envelope(t, uuid.New(), enums.EventSagaStepReply, stepReply())}))
	assert.Len(t, orch.replies, 1)
}

type fakeDispatcher struct {
	commands []saga.Command
	err      error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, cmd saga.Command) (participant.Result, error) {
	f.commands = append(f.commands, cmd)
	return participant.Result{}, f.err
}

func TestCommandConsumerDispatches(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	c, err := NewCommandConsumer(&sliceSource{}, dispatcher, logger.Nop())
	require.NoError(t, err)

	cmd := saga.Command{SagaID: "purchase_plan-1", Name: "CREATE_ORDER", Kind: enums.SagaMessageCommand, IdempotencyKey: "purchase_plan-1:1:1"}
	d := Delivery{Data: envelope(t, uuid.New(), "CREATE_ORDER", cmd)}
	require.NoError(t, c.Handle(context.Background(), d))
	require.Len(t, dispatcher.commands, 1)
	assert.Equal(t, "purchase_plan-1:1:1", dispatcher.commands[0].IdempotencyKey)

	dispatcher.err = errors.New("db down")
	assert.Error(t, c.Handle(context.Background(), d))

	dispatcher.err = pkgerrors.New(pkgerrors.CodeValidation, "malformed saga command")
	assert.NoError(t, c.Handle(context.Background(), d))
}

// sliceSource replays fixed deliveries and records which ones failed.
type sliceSource struct {
	deliveries []Delivery
	failed     []string
}

func (s *sliceSource) Receive(ctx context.Context, fn HandleFunc) error {
	for _, d := range s.deliveries {
		if err := fn(ctx, d); err != nil {
			s.failed = append(s.failed, d.MessageID)
		}
	}
	return nil
}

func TestRunDrainsSource(t *testing.T) {
	orch := &fakeOrchestrator{errs: []error{nil, errors.New("transient")}}
	manager, err := idempotency.NewManager(&memoryStore{keys: map[string]bool{}}, time.Hour)
	require.NoError(t, err)
	source := &sliceSource{deliveries: []Delivery{
		{MessageID: "a", Data: envelope(t, uuid.New(), enums.EventSagaStepReply, stepReply())},
		{MessageID: "b", Data: envelope(t, uuid.New(), enums.EventSagaCompensationReply, stepReply())},
	}}
	c, err := NewReplyConsumer(source, orch, manager, logger.Nop())
	require.NoError(t, err)

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, []string{"b"}, source.failed)
}

type fakeReader struct {
	msgs      []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	msg := r.msgs[0]
	r.msgs = r.msgs[1:]
	return msg, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func TestKafkaSourceRetriesBeforeCommit(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		{Topic: "saga-replies", Offset: 7, Value: []byte("x"), Headers: []kafka.Header{{Key: "event_id", Value: []byte("e-1")}}},
		{Topic: "saga-replies", Offset: 8, Value: []byte("y")},
	}}
	source := newKafkaSource(reader, nil)
	var slept []time.Duration
	source.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := source.Receive(ctx, func(_ context.Context, d Delivery) error {
		calls++
		if calls == 1 {
			assert.Equal(t, "e-1", d.Attributes["event_id"])
			assert.Equal(t, "saga-replies/0/7", d.MessageID)
			return errors.New("busy")
		}
		if string(d.Data) == "y" {
			cancel()
		}
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int64{7, 8}, reader.committed)
	assert.Equal(t, []time.Duration{500 * time.Millisecond}, slept)
	assert.True(t, reader.closed)
}
