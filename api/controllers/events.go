package controllers

import (
	"net/http"

	"github.com/cloudphone/txcore/api/responses"
	"github.com/cloudphone/txcore/api/validators"
	"github.com/cloudphone/txcore/internal/eventstore"
	pkgerrors "github.com/cloudphone/txcore/pkg/errors"
	"github.com/cloudphone/txcore/pkg/logger"
)

const maxEventTypeLen = 64

type recentEventsResponse struct {
	Events []eventstore.Event `json:"events"`
}

// EventStats answers GET /events/stats?type= with total and per-type counts.
func EventStats(store EventStore, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if store == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "event store unavailable"))
			return
		}
		eventType := validators.SanitizeString(r.URL.Query().Get("type"), maxEventTypeLen)
		counts, err := store.CountEvents(ctx, eventType)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count events"))
			return
		}
		responses.WriteSuccess(w, counts)
	}
}

// EventRecent answers GET /events/recent?type=&limit= with the newest events.
func EventRecent(store EventStore, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if store == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "event store unavailable"))
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", 50, 1, 1000)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		eventType := validators.SanitizeString(r.URL.Query().Get("type"), maxEventTypeLen)
		events, err := store.ListByType(ctx, eventType, limit)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list recent events"))
			return
		}
		responses.WriteSuccess(w, recentEventsResponse{Events: events})
	}
}
