package controllers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cloudphone/txcore/api/responses"
	"github.com/cloudphone/txcore/api/validators"
	"github.com/cloudphone/txcore/pkg/db/models"
	"github.com/cloudphone/txcore/pkg/enums"
	pkgerrors "github.com/cloudphone/txcore/pkg/errors"
	"github.com/cloudphone/txcore/pkg/logger"
	"github.com/cloudphone/txcore/pkg/outbox"
)

// DeadLetterService lists and requeues messages the outbox publisher gave
// up on.
type DeadLetterService interface {
	List(ctx context.Context, q outbox.DLQQuery) ([]models.OutboxDLQ, error)
	Requeue(ctx context.Context, id uuid.UUID) (*models.OutboxDLQ, error)
}

type deadLetterResponse struct {
	ID               string `json:"id"`
	OutboxID         string `json:"outboxId"`
	EventID          string `json:"eventId"`
	EventType        string `json:"eventType"`
	AggregateType    string `json:"aggregateType"`
	AggregateID      string `json:"aggregateId"`
	DestinationTopic string `json:"destinationTopic"`
	Reason           string `json:"reason"`
	Retryable        bool   `json:"retryable"`
	Error            string `json:"error,omitempty"`
	Attempts         int    `json:"attempts"`
	FailedAt         string `json:"failedAt"`
}

type deadLetterListResponse struct {
	DeadLetters []deadLetterResponse `json:"deadLetters"`
}

// DeadLetterList answers GET /outbox/dead-letters?topic=&reason=&limit=.
func DeadLetterList(svc DeadLetterService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "dead letter service unavailable"))
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", 50, 1, 500)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		q := outbox.DLQQuery{
			Topic: validators.SanitizeString(r.URL.Query().Get("topic"), 255),
			Limit: limit,
		}
		if raw := strings.TrimSpace(r.URL.Query().Get("reason")); raw != "" {
			reason := enums.OutboxDLQErrorReason(raw)
			if !reason.IsValid() {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "unknown dead letter reason").
					WithDetails(map[string]any{"field": "reason"}))
				return
			}
			q.Reason = reason
		}

		rows, err := svc.List(ctx, q)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list dead letters"))
			return
		}
		out := deadLetterListResponse{DeadLetters: make([]deadLetterResponse, 0, len(rows))}
		for _, row := range rows {
			out.DeadLetters = append(out.DeadLetters, deadLetterToResponse(row))
		}
		responses.WriteSuccess(w, out)
	}
}

// DeadLetterRequeue answers POST /outbox/dead-letters/{deadLetterId}/requeue.
func DeadLetterRequeue(svc DeadLetterService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "dead letter service unavailable"))
			return
		}
		raw, err := validators.PathParam(r, "deadLetterId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "dead letter id must be a UUID"))
			return
		}
		entry, err := svc.Requeue(ctx, id)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		logg.Info(logg.WithFields(ctx, map[string]any{
			"outbox_id": entry.OutboxID.String(),
			"event_id":  entry.EventID.String(),
			"topic":     entry.DestinationTopic,
		}), "dead letter requeued")
		responses.WriteSuccessStatus(w, http.StatusAccepted, deadLetterToResponse(*entry))
	}
}

func deadLetterToResponse(row models.OutboxDLQ) deadLetterResponse {
	out := deadLetterResponse{
		ID:               row.ID.String(),
		OutboxID:         row.OutboxID.String(),
		EventID:          row.EventID.String(),
		EventType:        row.EventType,
		AggregateType:    string(row.AggregateType),
		AggregateID:      row.AggregateID,
		DestinationTopic: row.DestinationTopic,
		Reason:           string(row.ErrorReason),
		Retryable:        row.ErrorReason.Retryable(),
		Attempts:         row.Attempts,
		FailedAt:         row.FailedAt.UTC().Format(time.RFC3339),
	}
	if row.ErrorMessage != nil {
		out.Error = *row.ErrorMessage
	}
	return out
}
