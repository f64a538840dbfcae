package controllers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/cloudphone/txcore/api/responses"
	"github.com/cloudphone/txcore/api/validators"
	"github.com/cloudphone/txcore/internal/saga"
	"github.com/cloudphone/txcore/pkg/enums"
	pkgerrors "github.com/cloudphone/txcore/pkg/errors"
	"github.com/cloudphone/txcore/pkg/logger"
)

const maxSagaContextBytes = 64 << 10

// SagaService starts and inspects sagas.
type SagaService interface {
	Start(ctx context.Context, sagaType string, contextData json.RawMessage) (string, error)
	Get(ctx context.Context, sagaID string) (*saga.Instance, error)
	ListByStatus(ctx context.Context, status enums.SagaStatus, limit int) ([]saga.Instance, error)
}

type sagaStartResponse struct {
	SagaID string `json:"sagaId"`
	Status string `json:"status"`
}

type sagaListResponse struct {
	Sagas []saga.Instance `json:"sagas"`
}

// SagaStart begins a saga with the request body as its context. The saga
// runs asynchronously, so the answer is 202 with the saga id.
func SagaStart(svc SagaService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "saga service unavailable"))
			return
		}
		sagaType, err := validators.PathParam(r, "sagaType")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxSagaContextBytes+1))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
			return
		}
		if len(body) > maxSagaContextBytes {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "saga context too large"))
			return
		}
		if len(strings.TrimSpace(string(body))) == 0 {
			body = []byte("{}")
		}
		if !json.Valid(body) {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "saga context must be valid JSON"))
			return
		}

		sagaID, err := svc.Start(ctx, sagaType, body)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		w.Header().Set("Location", "/api/v1/sagas/"+sagaID)
		responses.WriteSuccessStatus(w, http.StatusAccepted, sagaStartResponse{
			SagaID: sagaID,
			Status: string(enums.SagaStatusRunning),
		})
	}
}

func SagaGet(svc SagaService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "saga service unavailable"))
			return
		}
		sagaID, err := validators.PathParam(r, "sagaId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		inst, err := svc.Get(ctx, sagaID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, inst)
	}
}

// SagaList lists sagas by ?status=, newest first.
func SagaList(svc SagaService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "saga service unavailable"))
			return
		}
		status, err := enums.ParseSagaStatus(strings.TrimSpace(r.URL.Query().Get("status")))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status"))
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", 50, 1, 500)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		sagas, err := svc.ListByStatus(ctx, status, limit)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if sagas == nil {
			sagas = []saga.Instance{}
		}
		responses.WriteSuccess(w, sagaListResponse{Sagas: sagas})
	}
}
