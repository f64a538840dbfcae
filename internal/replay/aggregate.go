// Package replay folds event streams into aggregate state. Replays are pure
// reads: the same stream prefix always yields the same state.
package replay

import (
	"encoding/json"
	"fmt"

	"github.com/cloudphone/txcore/internal/eventstore"
	"github.com/cloudphone/txcore/pkg/enums"
	pkgerrors "github.com/cloudphone/txcore/pkg/errors"
)

// Reducer folds one event into state. Reducers must not perform I/O or read
// the clock.
type Reducer[S any] func(state S, ev eventstore.Event) (S, error)

// Upcaster rewrites a payload from one schema version to the next.
type Upcaster func(payload json.RawMessage) (json.RawMessage, error)

type upcastKey struct {
	eventType string
	from      int
}

// Aggregate describes how to rebuild one aggregate type.
type Aggregate[S any] struct {
	aggType   enums.AggregateType
	initial   func() S
	reducers  map[string]Reducer[S]
	schemas   map[string]int
	upcasters map[upcastKey]Upcaster
}

func NewAggregate[S any](aggType enums.AggregateType, initial func() S) *Aggregate[S] {
	return &Aggregate[S]{
		aggType:   aggType,
		initial:   initial,
		reducers:  make(map[string]Reducer[S]),
		schemas:   make(map[string]int),
		upcasters: make(map[upcastKey]Upcaster),
	}
}

// On registers the reducer for the current schema version of an event type.
func (a *Aggregate[S]) On(eventType enums.EventType, schemaVersion int, reducer Reducer[S]) *Aggregate[S] {
	if schemaVersion < 1 {
		schemaVersion = 1
	}
	a.reducers[string(eventType)] = reducer
	a.schemas[string(eventType)] = schemaVersion
	return a
}

// Upcast registers the conversion of payloads at schema version from to
// from+1.
func (a *Aggregate[S]) Upcast(eventType enums.EventType, from int, fn Upcaster) *Aggregate[S] {
	a.upcasters[upcastKey{eventType: string(eventType), from: from}] = fn
	return a
}

func (a *Aggregate[S]) Type() enums.AggregateType {
	return a.aggType
}

func (a *Aggregate[S]) Initial() S {
	return a.initial()
}

// Apply folds ev into state, upcasting older payloads first.
func (a *Aggregate[S]) Apply(state S, ev eventstore.Event) (S, error) {
	reducer, ok := a.reducers[ev.EventType]
	if !ok {
		return state, unknownEvent(ev, "no reducer registered")
	}
	current := a.schemas[ev.EventType]
	schema := ev.SchemaVersion
	if schema < 1 {
		schema = 1
	}
	if schema > current {
		return state, unknownEvent(ev, fmt.Sprintf("schema version %d is newer than %d", schema, current))
	}
	for schema < current {
		up, ok := a.upcasters[upcastKey{eventType: ev.EventType, from: schema}]
		if !ok {
			return state, unknownEvent(ev, fmt.Sprintf("no upcaster from schema version %d", schema))
		}
		payload, err := up(ev.Payload)
		if err != nil {
			return state, pkgerrors.Wrap(pkgerrors.CodeUnknownEventType, err, fmt.Sprintf("upcast %s v%d", ev.EventType, schema))
		}
		ev.Payload = payload
		schema++
		ev.SchemaVersion = schema
	}
	return reducer(state, ev)
}

func unknownEvent(ev eventstore.Event, reason string) error {
	return pkgerrors.New(
		pkgerrors.CodeUnknownEventType,
		fmt.Sprintf("cannot apply %s at version %d of %s: %s", ev.EventType, ev.Version, ev.AggregateID, reason),
	).WithDetails(map[string]any{
		"aggregateId": ev.AggregateID,
		"eventType":   ev.EventType,
		"version":     ev.Version,
	})
}

// Decode unmarshals an event payload into P.
func Decode[P any](ev eventstore.Event) (P, error) {
	var payload P
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return payload, fmt.Errorf("decode %s payload at version %d: %w", ev.EventType, ev.Version, err)
	}
	return payload, nil
}
