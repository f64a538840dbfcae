package replay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/cloudphone/txcore/internal/eventstore"
	"github.com/cloudphone/txcore/pkg/config"
	"github.com/cloudphone/txcore/pkg/db"
	"github.com/cloudphone/txcore/pkg/db/dbtest"
	"github.com/cloudphone/txcore/pkg/db/models"
	"github.com/cloudphone/txcore/pkg/enums"
	pkgerrors "github.com/cloudphone/txcore/pkg/errors"
	"github.com/cloudphone/txcore/pkg/outbox"
	"github.com/cloudphone/txcore/pkg/outbox/registry"
)

type profile struct {
	Email   string `json:"email"`
	Name    string `json:"name"`
	Status  string `json:"status"`
	Updates int    `json:"updates"`
}

func profileAggregate() *Aggregate[profile] {
	return NewAggregate(enums.AggregateUser, func() profile { return profile{} }).
		On(enums.EventUserCreated, 1, func(s profile, ev eventstore.Event) (profile, error) {
			p, err := Decode[struct {
				Email string `json:"email"`
			}](ev)
			if err != nil {
				return s, err
			}
			s.Email = p.Email
			s.Status = "active"
			return s, nil
		}).
		On(enums.EventUserUpdated, 2, func(s profile, ev eventstore.Event) (profile, error) {
			p, err := Decode[struct {
				Name string `json:"name"`
			}](ev)
			if err != nil {
				return s, err
			}
			s.Name = p.Name
			s.Updates++
			return s, nil
		}).
		Upcast(enums.EventUserUpdated, 1, func(payload json.RawMessage) (json.RawMessage, error) {
			var v1 struct {
				FullName string `json:"fullName"`
			}
			if err := json.Unmarshal(payload, &v1); err != nil {
				return nil, err
			}
			return json.Marshal(map[string]string{"name": v1.FullName})
		}).
		On(enums.EventUserSuspended, 1, func(s profile, _ eventstore.Event) (profile, error) {
			s.Status = "suspended"
			return s, nil
		})
}

func newFixture(t *testing.T) (*eventstore.Store, *gorm.DB) {
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
	store, err := eventstore.NewStore(db.NewFromConn(conn), conn, outbox.NewService(outbox.NewRepository(conn), reg, nil), nil)
	require.NoError(t, err)
	return store, conn
}

func appendEvents(t *testing.T, store *eventstore.Store, id string, expected int64, events ...eventstore.NewEvent) int64 {
	t.Helper()
	v, err := store.Append(context.Background(), eventstore.AppendRequest{
		AggregateID:     id,
		AggregateType:   enums.AggregateUser,
		ExpectedVersion: expected,
		Events:          events,
	})
	require.NoError(t, err)
	return v
}

func ev(eventType enums.EventType, schema int, payload string, at time.Time) eventstore.NewEvent {
	return eventstore.NewEvent{EventType: string(eventType), SchemaVersion: schema, Payload: json.RawMessage(payload), OccurredAt: at}
}

func TestReplayIsDeterministicAndUpcasts(t *testing.T) {
	store, _ := newFixture(t)
	ctx := context.Background()
	t0 := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	appendEvents(t, store, "u-1", 0,
		ev(enums.EventUserCreated, 1, `{"email":"ada@example.com"}`, t0),
		ev(enums.EventUserUpdated, 1, `{"fullName":"Ada L"}`, t0.Add(time.Minute)),
		ev(enums.EventUserUpdated, 2, `{"name":"Ada Lovelace"}`, t0.Add(2*time.Minute)),
	)

	replayer := NewReplayer(store, profileAggregate())
	first, err := replayer.Replay(ctx, "u-1", 0)
	require.NoError(t, err)
	second, err := replayer.Replay(ctx, "u-1", 0)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(3), first.Version)
	assert.Equal(t, profile{Email: "ada@example.com", Name: "Ada Lovelace", Status: "active", Updates: 2}, first.State)

	atTwo, err := replayer.ReplayToVersion(ctx, "u-1", 2)
	require.NoError(t, err)
	assert.Equal(t, "Ada L", atTwo.State.Name)

	_, err = replayer.ReplayToVersion(ctx, "u-1", 9)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = replayer.Replay(ctx, "nobody", 0)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestTimeTravelMatchesVersionReplay(t *testing.T) {
	store, _ := newFixture(t)
	ctx := context.Background()
	t0 := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	appendEvents(t, store, "u-2", 0,
		ev(enums.EventUserCreated, 1, `{"email":"b@example.com"}`, t0),
		ev(enums.EventUserUpdated, 2, `{"name":"Bea"}`, t0.Add(time.Hour)),
		ev(enums.EventUserSuspended, 1, `{}`, t0.Add(3*time.Hour)),
	)
	replayer := NewReplayer(store, profileAggregate())

	for _, at := range []time.Time{t0, t0.Add(90 * time.Minute), t0.Add(5 * time.Hour)} {
		byTime, err := replayer.ReplayToTimestamp(ctx, "u-2", at)
		require.NoError(t, err)
		version, err := store.VersionAt(ctx, "u-2", at)
		require.NoError(t, err)
		byVersion, err := replayer.ReplayToVersion(ctx, "u-2", version)
		require.NoError(t, err)
		assert.Equal(t, byVersion, byTime)
	}

	_, err := replayer.ReplayToTimestamp(ctx, "u-2", t0.Add(-time.Second))
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestUnknownEventTypeIsFatal(t *testing.T) {
	store, _ := newFixture(t)
	appendEvents(t, store, "u-3", 0,
		ev(enums.EventUserCreated, 1, `{"email":"c@example.com"}`, time.Time{}),
		ev("UserNicknameChanged", 1, `{"nickname":"cc"}`, time.Time{}),
	)
	replayer := NewReplayer(store, profileAggregate())

	_, err := replayer.Replay(context.Background(), "u-3", 0)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeUnknownEventType))

	res, err := replayer.Replay(context.Background(), "u-3", 1)
	require.NoError(t, err)
	assert.Equal(t, "c@example.com", res.State.Email)
}

func TestSnapshotRefreshVerifyAndResume(t *testing.T) {
	store, conn := newFixture(t)
	ctx := context.Background()
	snapshots := NewSnapshotStore(conn)
	replayer := NewReplayer(store, profileAggregate())

	appendEvents(t, store, "u-4", 0,
		ev(enums.EventUserCreated, 1, `{"email":"d@example.com"}`, time.Time{}),
		ev(enums.EventUserUpdated, 2, `{"name":"Dee"}`, time.Time{}),
	)
	_, err := replayer.Refresh(ctx, snapshots, "u-4")
	require.NoError(t, err)

	ok, err := replayer.Verify(ctx, snapshots, "u-4")
	require.NoError(t, err)
	assert.True(t, ok)

	appendEvents(t, store, "u-4", 2, ev(enums.EventUserSuspended, 1, `{}`, time.Time{}))
	resumed, err := replayer.ReplayFromSnapshot(ctx, snapshots, "u-4")
	require.NoError(t, err)
	full, err := replayer.Replay(ctx, "u-4", 0)
	require.NoError(t, err)
	assert.Equal(t, full, resumed)

	require.NoError(t, conn.Model(&models.AggregateSnapshot{}).
		Where("aggregate_id = ?", "u-4").
		Update("state_hash", "tampered").Error)
	ok, err = replayer.Verify(ctx, snapshots, "u-4")
	require.NoError(t, err)
	assert.False(t, ok)

	snap, err := snapshots.Load(ctx, "u-4")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestRegistryAndMaintainer(t *testing.T) {
	store, conn := newFixture(t)
	ctx := context.Background()
	appendEvents(t, store, "u-5", 0,
		ev(enums.EventUserCreated, 1, `{"email":"e@example.com"}`, time.Time{}),
		ev(enums.EventUserUpdated, 2, `{"name":"Eve"}`, time.Time{}),
	)
	appendEvents(t, store, "u-6", 0, ev(enums.EventUserCreated, 1, `{"email":"f@example.com"}`, time.Time{}))

	reg, err := NewRegistry(NewReplayer(store, profileAggregate()))
	require.NoError(t, err)
	assert.True(t, reg.Supports(enums.AggregateUser))

	view, err := reg.ReplayAggregate(ctx, enums.AggregateUser, "u-5", Query{Version: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), view.Version)
	assert.JSONEq(t, `{"email":"e@example.com","name":"","status":"active","updates":0}`, string(view.State))

	_, err = reg.ReplayAggregate(ctx, enums.AggregateDevice, "u-5", Query{})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = NewRegistry(NewReplayer(store, profileAggregate()), NewReplayer(store, profileAggregate()))
	assert.Error(t, err)

	snapshots := NewSnapshotStore(conn)
	maintainer, err := NewMaintainer(reg, store, snapshots, 2, nil)
	require.NoError(t, err)
	res, err := maintainer.Run(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, MaintenanceResult{Refreshed: 1, Skipped: 1}, res)

	snap, err := snapshots.Load(ctx, "u-5")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(2), snap.Version)
}

func TestCanonicalSortsKeys(t *testing.T) {
	a, err := Canonical(map[string]any{"b": 1, "a": map[string]any{"z": true, "y": "x"}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":"x","z":true},"b":1}`, string(a))
	assert.Len(t, StateHash(a), 64)
}
