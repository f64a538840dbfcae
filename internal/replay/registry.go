package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudphone/txcore/internal/eventstore"
	"github.com/cloudphone/txcore/pkg/enums"
	pkgerrors "github.com/cloudphone/txcore/pkg/errors"
	"github.com/cloudphone/txcore/pkg/logger"
)

// Replayable is a Replayer with its state type erased.
type Replayable interface {
	Type() enums.AggregateType
	ReplayJSON(ctx context.Context, aggregateID string, q Query) (View, error)
	snapshotter
}

type snapshotter interface {
	verifySnapshot(ctx context.Context, store *SnapshotStore, aggregateID string) (bool, error)
	refreshSnapshot(ctx context.Context, store *SnapshotStore, aggregateID string) error
}

func (r *Replayer[S]) verifySnapshot(ctx context.Context, store *SnapshotStore, aggregateID string) (bool, error) {
	return r.Verify(ctx, store, aggregateID)
}

func (r *Replayer[S]) refreshSnapshot(ctx context.Context, store *SnapshotStore, aggregateID string) error {
	_, err := r.Refresh(ctx, store, aggregateID)
	return err
}

// Registry serves replays by aggregate type.
type Registry struct {
	byType map[enums.AggregateType]Replayable
}

func NewRegistry(replayers ...Replayable) (*Registry, error) {
	reg := &Registry{byType: make(map[enums.AggregateType]Replayable, len(replayers))}
	for _, r := range replayers {
		if _, dup := reg.byType[r.Type()]; dup {
			return nil, fmt.Errorf("replayer for %s registered twice", r.Type())
		}
		reg.byType[r.Type()] = r
	}
	return reg, nil
}

// ReplayAggregate rebuilds an aggregate at the point selected by q.
func (r *Registry) ReplayAggregate(ctx context.Context, aggType enums.AggregateType, aggregateID string, q Query) (View, error) {
	replayer, ok := r.byType[aggType]
	if !ok {
		return View{}, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("aggregate type %q cannot be replayed", aggType))
	}
	return replayer.ReplayJSON(ctx, aggregateID, q)
}

// Supports reports whether aggType has a registered replayer.
func (r *Registry) Supports(aggType enums.AggregateType) bool {
	_, ok := r.byType[aggType]
	return ok
}

// ActivityLister finds aggregates worth snapshotting.
type ActivityLister interface {
	RecentlyActive(ctx context.Context, since time.Time, limit int) ([]eventstore.ActiveAggregate, error)
}

// MaintenanceResult summarises one snapshot maintenance pass.
type MaintenanceResult struct {
	Refreshed   int
	Invalidated int
	Skipped     int
}

// Maintainer keeps snapshots of busy aggregates fresh and evicts snapshots
// that no longer match the log.
type Maintainer struct {
	registry  *Registry
	activity  ActivityLister
	store     *SnapshotStore
	minEvents int64
	logg      *logger.Logger
}

func NewMaintainer(registry *Registry, activity ActivityLister, store *SnapshotStore, minEvents int, logg *logger.Logger) (*Maintainer, error) {
	if registry == nil || activity == nil || store == nil {
		return nil, fmt.Errorf("registry, activity lister and snapshot store are required")
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &Maintainer{registry: registry, activity: activity, store: store, minEvents: int64(minEvents), logg: logg}, nil
}

// Run verifies then refreshes the snapshots of aggregates active since since.
// Aggregates shorter than minEvents are not worth a snapshot.
func (m *Maintainer) Run(ctx context.Context, since time.Time, limit int) (MaintenanceResult, error) {
	var res MaintenanceResult
	active, err := m.activity.RecentlyActive(ctx, since, limit)
	if err != nil {
		return res, err
	}
	for _, agg := range active {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		replayer, ok := m.registry.byType[enums.AggregateType(agg.AggregateType)]
		if !ok || agg.Version < m.minEvents {
			res.Skipped++
			continue
		}
		valid, err := replayer.verifySnapshot(ctx, m.store, agg.AggregateID)
		if err != nil {
			return res, fmt.Errorf("verify snapshot %s: %w", agg.AggregateID, err)
		}
		if !valid {
			res.Invalidated++
			logCtx := m.logg.WithAggregate(ctx, agg.AggregateType, agg.AggregateID)
			m.logg.Warn(logCtx, "snapshot did not match replay and was deleted")
		}
		if err := replayer.refreshSnapshot(ctx, m.store, agg.AggregateID); err != nil {
			return res, fmt.Errorf("refresh snapshot %s: %w", agg.AggregateID, err)
		}
		res.Refreshed++
	}
	return res, nil
}
