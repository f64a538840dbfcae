package controllers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/cloudphone/txcore/api/responses"
	"github.com/cloudphone/txcore/api/validators"
	"github.com/cloudphone/txcore/internal/billing"
	"github.com/cloudphone/txcore/pkg/db/models"
	pkgerrors "github.com/cloudphone/txcore/pkg/errors"
	"github.com/cloudphone/txcore/pkg/logger"
)

// PlanService describes the billing plan methods used by the HTTP controllers.
type PlanService interface {
	ListPlans(ctx context.Context, q billing.ListBillingPlansQuery) ([]models.BillingPlan, error)
	CreatePlan(ctx context.Context, plan *models.BillingPlan) error
}

type planResponse struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Active       bool     `json:"active"`
	PriceAmount  string   `json:"priceAmount"`
	CurrencyCode string   `json:"currencyCode"`
	DeviceQuota  int      `json:"deviceQuota"`
	DurationDays int      `json:"durationDays"`
	Features     []string `json:"features"`
	CreatedAt    string   `json:"createdAt"`
}

type planListResponse struct {
	Plans []planResponse `json:"plans"`
}

type planCreateRequest struct {
	ID           string          `json:"id" validate:"required,max=64"`
	Name         string          `json:"name" validate:"required,max=128"`
	PriceAmount  decimal.Decimal `json:"priceAmount" validate:"amount"`
	CurrencyCode string          `json:"currencyCode" validate:"required,iso4217"`
	DeviceQuota  int             `json:"deviceQuota" validate:"min=1,max=100"`
	DurationDays int             `json:"durationDays" validate:"min=1,max=3660"`
	Features     []string        `json:"features" validate:"max=32"`
}

// PlanList lists billing plans, filtered by ?active= and ?currency=.
func PlanList(svc PlanService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "billing plan service unavailable"))
			return
		}

		var q billing.ListBillingPlansQuery
		if raw := strings.TrimSpace(r.URL.Query().Get("active")); raw != "" {
			active, err := strconv.ParseBool(raw)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid active flag"))
				return
			}
			q.Active = &active
		}
		q.Currency = strings.ToUpper(validators.SanitizeString(r.URL.Query().Get("currency"), 3))

		plans, err := svc.ListPlans(ctx, q)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		out := planListResponse{Plans: make([]planResponse, 0, len(plans))}
		for _, plan := range plans {
			out.Plans = append(out.Plans, planToResponse(plan))
		}
		responses.WriteSuccess(w, out)
	}
}

func PlanCreate(svc PlanService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "billing plan service unavailable"))
			return
		}
		var body planCreateRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		plan := &models.BillingPlan{
			ID:           body.ID,
			Name:         body.Name,
			Active:       true,
			PriceAmount:  body.PriceAmount,
			CurrencyCode: body.CurrencyCode,
			DeviceQuota:  body.DeviceQuota,
			DurationDays: body.DurationDays,
			Features:     pq.StringArray(body.Features),
		}
		if err := svc.CreatePlan(ctx, plan); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, planToResponse(*plan))
	}
}

func planToResponse(plan models.BillingPlan) planResponse {
	features := []string(plan.Features)
	if features == nil {
		features = []string{}
	}
	return planResponse{
		ID:           plan.ID,
		Name:         plan.Name,
		Active:       plan.Active,
		PriceAmount:  plan.PriceAmount.StringFixed(2),
		CurrencyCode: plan.CurrencyCode,
		DeviceQuota:  plan.DeviceQuota,
		DurationDays: plan.DurationDays,
		Features:     features,
		CreatedAt:    plan.CreatedAt.UTC().Format(time.RFC3339),
	}
}
