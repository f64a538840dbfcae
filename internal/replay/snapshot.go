package replay

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cloudphone/txcore/pkg/db/models"
	dbtypes "github.com/cloudphone/txcore/pkg/db/types"
	"github.com/cloudphone/txcore/pkg/outbox"
)

// Canonical renders v as JSON with object keys sorted at every level, so equal
// states always hash the same.
func Canonical(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// StateHash is the hex sha256 of the canonical state.
func StateHash(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// SnapshotStore persists aggregate_snapshots. Snapshots are a cache: losing
// one only costs a longer replay.
type SnapshotStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewSnapshotStore(db *gorm.DB) *SnapshotStore {
	return &SnapshotStore{db: db, now: outbox.Now}
}

// Load returns nil when no snapshot exists.
func (s *SnapshotStore) Load(ctx context.Context, aggregateID string) (*models.AggregateSnapshot, error) {
	var snap models.AggregateSnapshot
	err := s.db.WithContext(ctx).Where("aggregate_id = ?", aggregateID).Take(&snap).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &snap, nil
}

func (s *SnapshotStore) Save(ctx context.Context, snap models.AggregateSnapshot) error {
	if snap.ComputedAt.IsZero() {
		snap.ComputedAt = s.now()
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "aggregate_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"aggregate_type", "version", "state", "state_hash", "computed_at"}),
		}).
		Create(&snap).Error
}

func (s *SnapshotStore) Delete(ctx context.Context, aggregateID string) error {
	return s.db.WithContext(ctx).Where("aggregate_id = ?", aggregateID).Delete(&models.AggregateSnapshot{}).Error
}

// Refresh replays the aggregate to its latest version and stores the result.
func (r *Replayer[S]) Refresh(ctx context.Context, store *SnapshotStore, aggregateID string) (Result[S], error) {
	res, err := r.Replay(ctx, aggregateID, 0)
	if err != nil {
		return res, err
	}
	state, err := Canonical(res.State)
	if err != nil {
		return res, err
	}
	err = store.Save(ctx, models.AggregateSnapshot{
		AggregateID:   aggregateID,
		AggregateType: r.Type(),
		Version:       res.Version,
		State:         dbtypes.JSON(state),
		StateHash:     StateHash(state),
	})
	return res, err
}

// Verify replays 1..V for the stored snapshot at version V and compares
// hashes. A mismatching snapshot is deleted and false is returned. No
// snapshot verifies trivially.
func (r *Replayer[S]) Verify(ctx context.Context, store *SnapshotStore, aggregateID string) (bool, error) {
	snap, err := store.Load(ctx, aggregateID)
	if err != nil || snap == nil {
		return true, err
	}
	res, err := r.Replay(ctx, aggregateID, snap.Version)
	if err != nil {
		return false, err
	}
	state, err := Canonical(res.State)
	if err != nil {
		return false, err
	}
	if res.Version == snap.Version && StateHash(state) == snap.StateHash {
		return true, nil
	}
	return false, store.Delete(ctx, aggregateID)
}

// ReplayFromSnapshot starts from the stored snapshot when one decodes
// cleanly, falling back to a full replay. Read models only: time-travel
// queries always replay from version 1.
func (r *Replayer[S]) ReplayFromSnapshot(ctx context.Context, store *SnapshotStore, aggregateID string) (Result[S], error) {
	snap, err := store.Load(ctx, aggregateID)
	if err != nil {
		return Result[S]{}, err
	}
	if snap == nil || snap.AggregateType != r.Type() {
		return r.Replay(ctx, aggregateID, 0)
	}
	state := r.aggregate.Initial()
	if err := json.Unmarshal(snap.State, &state); err != nil {
		return r.Replay(ctx, aggregateID, 0)
	}
	return r.ReplayFrom(ctx, Result[S]{AggregateID: aggregateID, Version: snap.Version, State: state})
}
