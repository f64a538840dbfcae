package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"github.com/cloudphone/txcore/internal/eventstore"
	"github.com/cloudphone/txcore/pkg/enums"
	pkgerrors "github.com/cloudphone/txcore/pkg/errors"
)

// EventSource is the read side of the event store.
type EventSource interface {
	LoadEvents(ctx context.Context, aggregateID string, from, to int64) iter.Seq2[eventstore.Event, error]
	LoadEventsAsOf(ctx context.Context, aggregateID string, at time.Time) iter.Seq2[eventstore.Event, error]
}

// Result is the state of an aggregate after folding events 1..Version.
type Result[S any] struct {
	AggregateID string
	Version     int64
	State       S
}

// Replayer rebuilds aggregates of one type from the event log.
type Replayer[S any] struct {
	source    EventSource
	aggregate *Aggregate[S]
}

func NewReplayer[S any](source EventSource, aggregate *Aggregate[S]) *Replayer[S] {
	return &Replayer[S]{source: source, aggregate: aggregate}
}

// WithSource returns a replayer over the same aggregate reading from source.
func (r *Replayer[S]) WithSource(source EventSource) *Replayer[S] {
	return &Replayer[S]{source: source, aggregate: r.aggregate}
}

func (r *Replayer[S]) Type() enums.AggregateType {
	return r.aggregate.Type()
}

// Replay folds events 1..toVersion. toVersion 0 means the latest version.
func (r *Replayer[S]) Replay(ctx context.Context, aggregateID string, toVersion int64) (Result[S], error) {
	if toVersion < 0 {
		return Result[S]{}, pkgerrors.New(pkgerrors.CodeValidation, "version must be non-negative")
	}
	res, err := r.fold(aggregateID, Result[S]{AggregateID: aggregateID, State: r.aggregate.Initial()}, r.source.LoadEvents(ctx, aggregateID, 1, toVersion))
	if err != nil {
		return res, err
	}
	if res.Version == 0 {
		return res, notFound(aggregateID, r.Type())
	}
	return res, nil
}

// ReplayToVersion is Replay with a mandatory target. Asking for a version the
// aggregate has not reached is a validation error.
func (r *Replayer[S]) ReplayToVersion(ctx context.Context, aggregateID string, version int64) (Result[S], error) {
	if version < 1 {
		return Result[S]{}, pkgerrors.New(pkgerrors.CodeValidation, "version must be at least 1")
	}
	res, err := r.Replay(ctx, aggregateID, version)
	if err != nil {
		return res, err
	}
	if res.Version < version {
		return res, pkgerrors.New(
			pkgerrors.CodeValidation,
			fmt.Sprintf("aggregate %s has no version %d (latest is %d)", aggregateID, version, res.Version),
		)
	}
	return res, nil
}

// ReplayToTimestamp folds every event that occurred at or before at.
func (r *Replayer[S]) ReplayToTimestamp(ctx context.Context, aggregateID string, at time.Time) (Result[S], error) {
	res, err := r.fold(aggregateID, Result[S]{AggregateID: aggregateID, State: r.aggregate.Initial()}, r.source.LoadEventsAsOf(ctx, aggregateID, at))
	if err != nil {
		return res, err
	}
	if res.Version == 0 {
		return res, pkgerrors.New(
			pkgerrors.CodeNotFound,
			fmt.Sprintf("%s %s has no events at or before %s", r.Type(), aggregateID, at.UTC().Format(time.RFC3339)),
		)
	}
	return res, nil
}

// ReplayFrom continues folding after a previously computed result.
func (r *Replayer[S]) ReplayFrom(ctx context.Context, base Result[S]) (Result[S], error) {
	return r.fold(base.AggregateID, base, r.source.LoadEvents(ctx, base.AggregateID, base.Version+1, 0))
}

func (r *Replayer[S]) fold(aggregateID string, res Result[S], events iter.Seq2[eventstore.Event, error]) (Result[S], error) {
	for ev, err := range events {
		if err != nil {
			return res, err
		}
		if ev.AggregateType != r.Type() {
			return res, notFound(aggregateID, r.Type())
		}
		if ev.Version != res.Version+1 {
			return res, pkgerrors.New(
				pkgerrors.CodeInternal,
				fmt.Sprintf("event stream of %s has a gap: version %d after %d", aggregateID, ev.Version, res.Version),
			)
		}
		state, err := r.aggregate.Apply(res.State, ev)
		if err != nil {
			return res, err
		}
		res.State = state
		res.Version = ev.Version
	}
	return res, nil
}

func notFound(aggregateID string, aggType enums.AggregateType) error {
	return pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("%s %s not found", aggType, aggregateID))
}

// Query selects the point in history a type-erased replay stops at. Version
// wins over At; neither means latest.
type Query struct {
	Version int64
	At      *time.Time
}

// View is a replay result with the state rendered as JSON.
type View struct {
	AggregateID   string              `json:"aggregateId"`
	AggregateType enums.AggregateType `json:"aggregateType"`
	Version       int64               `json:"version"`
	State         json.RawMessage     `json:"state"`
}

// ReplayJSON runs the replay selected by q and renders the state.
func (r *Replayer[S]) ReplayJSON(ctx context.Context, aggregateID string, q Query) (View, error) {
	var (
		res Result[S]
		err error
	)
	switch {
	case q.Version > 0:
		res, err = r.ReplayToVersion(ctx, aggregateID, q.Version)
	case q.At != nil:
		res, err = r.ReplayToTimestamp(ctx, aggregateID, *q.At)
	default:
		res, err = r.Replay(ctx, aggregateID, 0)
	}
	if err != nil {
		return View{}, err
	}
	state, err := Canonical(res.State)
	if err != nil {
		return View{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode state")
	}
	return View{
		AggregateID:   aggregateID,
		AggregateType: r.Type(),
		Version:       res.Version,
		State:         state,
	}, nil
}
