package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/cloudphone/txcore/api/middleware"
	"github.com/cloudphone/txcore/api/responses"
	"github.com/cloudphone/txcore/api/validators"
	"github.com/cloudphone/txcore/internal/eventstore"
	"github.com/cloudphone/txcore/internal/replay"
	"github.com/cloudphone/txcore/pkg/enums"
	pkgerrors "github.com/cloudphone/txcore/pkg/errors"
	"github.com/cloudphone/txcore/pkg/logger"
)

// EventStore is the part of the event store the aggregate and event
// endpoints use.
type EventStore interface {
	Append(ctx context.Context, req eventstore.AppendRequest) (int64, error)
	History(ctx context.Context, aggregateID string) ([]eventstore.Event, error)
	CountEvents(ctx context.Context, eventType string) (eventstore.EventCounts, error)
	ListByType(ctx context.Context, eventType string, limit int) ([]eventstore.Event, error)
}

// AggregateReplayer rebuilds aggregates by type.
type AggregateReplayer interface {
	ReplayAggregate(ctx context.Context, aggType enums.AggregateType, aggregateID string, q replay.Query) (replay.View, error)
}

type appendEventRequest struct {
	EventID       *uuid.UUID      `json:"eventId"`
	EventType     string          `json:"eventType" validate:"required,max=64"`
	SchemaVersion int             `json:"schemaVersion" validate:"omitempty,min=1"`
	Payload       json.RawMessage `json:"payload" validate:"required"`
	OccurredAt    *time.Time      `json:"occurredAt"`
	CausationID   string          `json:"causationId" validate:"max=128"`
	CorrelationID string          `json:"correlationId" validate:"max=128"`
}

type appendRequest struct {
	ExpectedVersion *int64               `json:"expectedVersion" validate:"required,gte=0"`
	Events          []appendEventRequest `json:"events" validate:"required,min=1,max=100,dive"`
}

type appendResponse struct {
	AggregateID string `json:"aggregateId"`
	Version     int64  `json:"version"`
}

type historyResponse struct {
	AggregateID   string              `json:"aggregateId"`
	AggregateType enums.AggregateType `json:"aggregateType"`
	Events        []eventstore.Event  `json:"events"`
}

func aggregatePath(r *http.Request) (enums.AggregateType, string, error) {
	rawType, err := validators.PathParam(r, "aggregateType")
	if err != nil {
		return "", "", err
	}
	aggType, err := enums.ParseAggregateType(rawType)
	if err != nil {
		return "", "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid aggregate type")
	}
	aggregateID, err := validators.PathParam(r, "aggregateId")
	if err != nil {
		return "", "", err
	}
	return aggType, aggregateID, nil
}

// AggregateAppend appends events after expectedVersion. A stale version is
// answered with 409 CONCURRENCY_CONFLICT.
func AggregateAppend(store EventStore, logg *logger.Logger) http.HandlerFunc {
	if logg == nil {
		logg = logger.Nop()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if store == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "event store unavailable"))
			return
		}
		aggType, aggregateID, err := aggregatePath(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		var body appendRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		actor := middleware.ActorFromContext(ctx)
		requestID := middleware.RequestIDFromContext(ctx)
		req := eventstore.AppendRequest{
			AggregateID:     aggregateID,
			AggregateType:   aggType,
			ExpectedVersion: *body.ExpectedVersion,
			Events:          make([]eventstore.NewEvent, 0, len(body.Events)),
		}
		for _, ev := range body.Events {
			ne := eventstore.NewEvent{
				EventType:     ev.EventType,
				SchemaVersion: ev.SchemaVersion,
				Payload:       ev.Payload,
				CausationID:   ev.CausationID,
				CorrelationID: ev.CorrelationID,
				Actor:         actor,
			}
			if ne.CorrelationID == "" {
				ne.CorrelationID = requestID
			}
			if ev.EventID != nil {
				ne.EventID = *ev.EventID
			}
			if ev.OccurredAt != nil {
				ne.OccurredAt = ev.OccurredAt.UTC()
			}
			req.Events = append(req.Events, ne)
		}

		ctx = logg.WithAggregate(ctx, string(aggType), aggregateID)
		version, err := store.Append(ctx, req)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, appendResponse{AggregateID: aggregateID, Version: version})
	}
}

// AggregateGet replays an aggregate, optionally to ?version= or ?at=.
func AggregateGet(replayer AggregateReplayer, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if replayer == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "replay unavailable"))
			return
		}
		aggType, aggregateID, err := aggregatePath(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		version, err := validators.ParseQueryVersion(r, "version")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		at, err := validators.ParseQueryTime(r, "at")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if version > 0 && at != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "version and at are mutually exclusive"))
			return
		}

		view, err := replayer.ReplayAggregate(ctx, aggType, aggregateID, replay.Query{Version: version, At: at})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, view)
	}
}

// AggregateHistory lists every event of an aggregate stream.
func AggregateHistory(store EventStore, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if store == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "event store unavailable"))
			return
		}
		aggType, aggregateID, err := aggregatePath(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		events, err := store.History(ctx, aggregateID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if len(events) == 0 || events[0].AggregateType != aggType {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeNotFound, string(aggType)+" "+aggregateID+" not found"))
			return
		}
		responses.WriteSuccess(w, historyResponse{AggregateID: aggregateID, AggregateType: aggType, Events: events})
	}
}
