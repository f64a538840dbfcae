package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/cloudphone/txcore/pkg/config"
	"github.com/cloudphone/txcore/pkg/db"
	"github.com/cloudphone/txcore/pkg/db/dbtest"
	"github.com/cloudphone/txcore/pkg/db/models"
	"github.com/cloudphone/txcore/pkg/enums"
	pkgerrors "github.com/cloudphone/txcore/pkg/errors"
	"github.com/cloudphone/txcore/pkg/outbox"
	"github.com/cloudphone/txcore/pkg/outbox/registry"
)

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	conn := dbtest.Open(t)
	reg, err := registry.NewEventRegistry(config.PubSubConfig{
		UsersTopic:           "user-events",
		BillingTopic:         "billing-events",
		DevicesTopic:         "device-events",
		BillingCommandsTopic: "billing-commands",
		DeviceCommandsTopic:  "device-commands",
		UserCommandsTopic:    "user-commands",
		SagaRepliesTopic:     "saga-replies",
	})
	require.NoError(t, err)
	writer := outbox.NewService(outbox.NewRepository(conn), reg, nil)
	store, err := NewStore(db.NewFromConn(conn), conn, writer, nil)
	require.NoError(t, err)
	return store, conn
}

func userEvent(eventType enums.EventType, payload string) NewEvent {
	return NewEvent{EventType: string(eventType), Payload: json.RawMessage(payload)}
}

func countRows(t *testing.T, conn *gorm.DB, model any) int64 {
	t.Helper()
	var total int64
	require.NoError(t, conn.Model(model).Count(&total).Error)
	return total
}

func TestAppendAssignsContiguousVersionsAndOutboxRows(t *testing.T) {
	store, conn := newTestStore(t)
	ctx := context.Background()

	version, err := store.Append(ctx, AppendRequest{
		AggregateID:   "u-1",
		AggregateType: enums.AggregateUser,
		Events: []NewEvent{
			userEvent(enums.EventUserCreated, `{"email":"a@example.com"}`),
			userEvent(enums.EventUserUpdated, `{"name":"Ada"}`),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	version, err = store.Append(ctx, AppendRequest{
		AggregateID:     "u-1",
		AggregateType:   enums.AggregateUser,
		ExpectedVersion: 2,
		Events:          []NewEvent{userEvent(enums.EventUserSuspended, `{}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), version)

	history, err := store.History(ctx, "u-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, ev := range history {
		assert.Equal(t, int64(i+1), ev.Version)
	}

	var rows []models.OutboxMessage
	require.NoError(t, conn.Order("created_at ASC").Find(&rows).Error)
	require.Len(t, rows, 3)
	keys := []string{rows[0].IdempotencyKey, rows[1].IdempotencyKey, rows[2].IdempotencyKey}
	assert.ElementsMatch(t, []string{"u-1:1", "u-1:2", "u-1:3"}, keys)
	for _, row := range rows {
		assert.Equal(t, "user-events", row.DestinationTopic)
		assert.Equal(t, enums.OutboxStatusPending, row.Status)
	}
}

func TestAppendStaleVersionIsRejected(t *testing.T) {
	store, conn := newTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, AppendRequest{
		AggregateID:   "u-2",
		AggregateType: enums.AggregateUser,
		Events:        []NewEvent{userEvent(enums.EventUserCreated, `{}`)},
	})
	require.NoError(t, err)

	_, err = store.Append(ctx, AppendRequest{
		AggregateID:     "u-2",
		AggregateType:   enums.AggregateUser,
		ExpectedVersion: 0,
		Events:          []NewEvent{userEvent(enums.EventUserUpdated, `{}`)},
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConcurrencyConflict))
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, int64(1), typed.Details().(map[string]any)["actualVersion"])

	assert.Equal(t, int64(1), countRows(t, conn, &models.Event{}))
	assert.Equal(t, int64(1), countRows(t, conn, &models.OutboxMessage{}))
}

func TestAppendTxRollsBackEventsAndOutboxTogether(t *testing.T) {
	store, conn := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("downstream write failed")

	err := db.NewFromConn(conn).WithTx(ctx, func(tx *gorm.DB) error {
		if _, err := store.AppendTx(ctx, tx, AppendRequest{
			AggregateID:   "o-1",
			AggregateType: enums.AggregateOrder,
			Events:        []NewEvent{{EventType: string(enums.EventOrderCreated), Payload: json.RawMessage(`{"amount":"10.00"}`)}},
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Zero(t, countRows(t, conn, &models.Event{}))
	assert.Zero(t, countRows(t, conn, &models.OutboxMessage{}))
}

func TestAppendUnroutedEventIsStoredOnly(t *testing.T) {
	store, conn := newTestStore(t)

	_, err := store.Append(context.Background(), AppendRequest{
		AggregateID:   "u-3",
		AggregateType: enums.AggregateUser,
		Events:        []NewEvent{userEvent("UserNicknameChanged", `{"nickname":"ada"}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), countRows(t, conn, &models.Event{}))
	assert.Zero(t, countRows(t, conn, &models.OutboxMessage{}))
}

func TestAppendValidation(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	cases := map[string]AppendRequest{
		"missing id":     {AggregateType: enums.AggregateUser, Events: []NewEvent{userEvent(enums.EventUserCreated, `{}`)}},
		"bad type":       {AggregateID: "x", AggregateType: "fleet", Events: []NewEvent{userEvent(enums.EventUserCreated, `{}`)}},
		"no events":      {AggregateID: "x", AggregateType: enums.AggregateUser},
		"wrong owner":    {AggregateID: "x", AggregateType: enums.AggregateDevice, Events: []NewEvent{userEvent(enums.EventUserCreated, `{}`)}},
		"invalid json":   {AggregateID: "x", AggregateType: enums.AggregateUser, Events: []NewEvent{userEvent(enums.EventUserCreated, `{`)}},
		"negative start": {AggregateID: "x", AggregateType: enums.AggregateUser, ExpectedVersion: -1, Events: []NewEvent{userEvent(enums.EventUserCreated, `{}`)}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := store.Append(ctx, req)
			require.Error(t, err)
			assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
		})
	}
}

func TestLoadEventsPagesInVersionOrder(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	events := make([]NewEvent, 0, 450)
	for i := 0; i < 450; i++ {
		events = append(events, userEvent(enums.EventUserUpdated, fmt.Sprintf(`{"n":%d}`, i)))
	}
	events[0] = userEvent(enums.EventUserCreated, `{}`)
	_, err := store.Append(ctx, AppendRequest{AggregateID: "u-4", AggregateType: enums.AggregateUser, Events: events})
	require.NoError(t, err)

	var seen int64
	for ev, err := range store.LoadEvents(ctx, "u-4", 1, 0) {
		require.NoError(t, err)
		seen++
		require.Equal(t, seen, ev.Version)
	}
	assert.Equal(t, int64(450), seen)

	var window []int64
	for ev, err := range store.LoadEvents(ctx, "u-4", 199, 202) {
		require.NoError(t, err)
		window = append(window, ev.Version)
	}
	assert.Equal(t, []int64{199, 200, 201, 202}, window)

	var first int64
	for ev, err := range store.LoadEvents(ctx, "u-4", 0, 0) {
		require.NoError(t, err)
		first = ev.Version
		break
	}
	assert.Equal(t, int64(1), first)

	counts, err := store.CountEvents(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(450), counts.Total)
}

func TestOccurredAtIsClampedAndTimeTravelIsAPrefix(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_, err := store.Append(ctx, AppendRequest{
		AggregateID:   "d-1",
		AggregateType: enums.AggregateDevice,
		Events: []NewEvent{
			{EventType: string(enums.EventDeviceAllocated), Payload: json.RawMessage(`{}`), OccurredAt: t0},
			{EventType: string(enums.EventDeviceProvisioned), Payload: json.RawMessage(`{}`), OccurredAt: t0.Add(2 * time.Hour)},
		},
	})
	require.NoError(t, err)
	_, err = store.Append(ctx, AppendRequest{
		AggregateID:     "d-1",
		AggregateType:   enums.AggregateDevice,
		ExpectedVersion: 2,
		Events:          []NewEvent{{EventType: string(enums.EventDeviceStarted), Payload: json.RawMessage(`{}`), OccurredAt: t0.Add(time.Hour)}},
	})
	require.NoError(t, err)

	history, err := store.History(ctx, "d-1")
	require.NoError(t, err)
	assert.True(t, history[2].OccurredAt.Equal(t0.Add(2*time.Hour)))

	v, err := store.VersionAt(ctx, "d-1", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	v, err = store.VersionAt(ctx, "d-1", t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
	v, err = store.VersionAt(ctx, "d-1", t0.Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, v)

	var asOf []int64
	for ev, err := range store.LoadEventsAsOf(ctx, "d-1", t0.Add(90*time.Minute)) {
		require.NoError(t, err)
		asOf = append(asOf, ev.Version)
	}
	assert.Equal(t, []int64{1}, asOf)
}

func TestCountsAndRecentEventsByType(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"u-5", "u-6"} {
		_, err := store.Append(ctx, AppendRequest{
			AggregateID:   id,
			AggregateType: enums.AggregateUser,
			Events:        []NewEvent{{EventType: string(enums.EventUserCreated), Payload: json.RawMessage(`{}`), Actor: "admin"}},
		})
		require.NoError(t, err)
	}
	_, err := store.Append(ctx, AppendRequest{
		AggregateID:     "u-5",
		AggregateType:   enums.AggregateUser,
		ExpectedVersion: 1,
		Events:          []NewEvent{{EventType: string(enums.EventUserSuspended), Payload: json.RawMessage(`{}`)}},
	})
	require.NoError(t, err)

	counts, err := store.CountEvents(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts.Total)
	assert.Equal(t, map[string]int64{
		string(enums.EventUserCreated):   2,
		string(enums.EventUserSuspended): 1,
	}, counts.ByType)

	counts, err = store.CountEvents(ctx, string(enums.EventUserSuspended))
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Total)
	assert.Equal(t, map[string]int64{string(enums.EventUserSuspended): 1}, counts.ByType)

	counts, err = store.CountEvents(ctx, "NeverRecorded")
	require.NoError(t, err)
	assert.Zero(t, counts.Total)
	assert.Empty(t, counts.ByType)

	created, err := store.ListByType(ctx, string(enums.EventUserCreated), 10)
	require.NoError(t, err)
	assert.Len(t, created, 2)
	assert.Equal(t, "admin", created[0].Metadata.Actor)

	all, err := store.ListByType(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	newest, err := store.ListByType(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, newest, 1)

	active, err := store.RecentlyActive(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestHistoryOfUnknownAggregateIsEmpty(t *testing.T) {
	store, _ := newTestStore(t)

	history, err := store.History(context.Background(), "missing")
	require.NoError(t, err)
	assert.NotNil(t, history)
	assert.Empty(t, history)
}
