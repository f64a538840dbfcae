package validators

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/cloudphone/txcore/pkg/errors"
)

type appendBody struct {
	ExpectedVersion *int64   `json:"expectedVersion" validate:"required,gte=0"`
	Events          []string `json:"events" validate:"required,min=1"`
}

func TestDecodeJSONBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"expectedVersion":0,"events":["a"]}`))
	var body appendBody
	require.NoError(t, DecodeJSONBody(req, &body))
	assert.Equal(t, int64(0), *body.ExpectedVersion)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"events":[]}`))
	err := DecodeJSONBody(req, &appendBody{})
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	details := typed.Details().(map[string]string)
	assert.Equal(t, "is required", details["expectedVersion"])
	assert.Equal(t, "must be at least 1", details["events"])

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"expectedVersion":0,"events":["a"],"extra":1}`))
	assert.True(t, pkgerrors.IsCode(DecodeJSONBody(req, &appendBody{}), pkgerrors.CodeValidation))
}

type priceBody struct {
	Amount   decimal.Decimal `json:"amount" validate:"amount"`
	Currency string          `json:"currency" validate:"required,iso4217"`
	Lines    []lineBody      `json:"lines" validate:"dive"`
}

type lineBody struct {
	Type string `json:"type" validate:"required"`
}

func decodeDetails(t *testing.T, body string, dest any) map[string]string {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	err := DecodeJSONBody(req, dest)
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	details, _ := typed.Details().(map[string]string)
	return details
}

func TestDecodeJSONBodyValidatesAmountsAndCurrencies(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"amount":"19.99","currency":"EUR"}`))
	var ok priceBody
	require.NoError(t, DecodeJSONBody(req, &ok))
	assert.True(t, ok.Amount.Equal(decimal.RequireFromString("19.99")))

	details := decodeDetails(t, `{"amount":"0.001","currency":"usd"}`, &priceBody{})
	assert.Equal(t, "must be a positive amount with at most 2 decimal places", details["amount"])
	assert.Equal(t, "must be an ISO 4217 currency code", details["currency"])

	details = decodeDetails(t, `{"amount":"-5","currency":"USD"}`, &priceBody{})
	assert.Contains(t, details, "amount")

	details = decodeDetails(t, `{"amount":"5","currency":"USD","lines":[{"type":""}]}`, &priceBody{})
	assert.Equal(t, "is required", details["lines[0].type"])
}

func TestDecodeJSONBodyRejectsMalformedBodies(t *testing.T) {
	cases := map[string]string{
		"empty":    ``,
		"trailing": `{"amount":"5","currency":"USD"} {"amount":"6"}`,
		"syntax":   `{"amount":`,
		"oversize": `{"currency":"` + strings.Repeat("x", int(MaxBodyBytes)) + `"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
			err := DecodeJSONBody(req, &priceBody{})
			assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "got %v", err)
		})
	}
}

func TestQueryParsers(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?version=3&at=2026-03-01T10:00:00%2B02:00&limit=900", nil)

	version, err := ParseQueryVersion(req, "version")
	require.NoError(t, err)
	assert.Equal(t, int64(3), version)

	at, err := ParseQueryTime(req, "at")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), *at)

	_, err = ParseQueryInt(req, "limit", 50, 1, 500)
	assert.Error(t, err)

	missing, err := ParseQueryTime(req, "until")
	require.NoError(t, err)
	assert.Nil(t, missing)

	bad := httptest.NewRequest(http.MethodGet, "/?version=0&at=yesterday", nil)
	_, err = ParseQueryVersion(bad, "version")
	assert.Error(t, err)
	_, err = ParseQueryTime(bad, "at")
	assert.Error(t, err)
}

func TestPathParam(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	routeCtx := chi.NewRouteContext()
	routeCtx.URLParams.Add("sagaId", "  purchase_plan-1 ")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))

	value, err := PathParam(req, "sagaId")
	require.NoError(t, err)
	assert.Equal(t, "purchase_plan-1", value)

	_, err = PathParam(req, "aggregateId")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestSanitizeStringKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "abc", SanitizeString("  abc  ", 0))
	assert.Equal(t, "ab", SanitizeString("abcdef", 2))
	// "é" is two bytes; a cut through it drops the whole rune.
	assert.Equal(t, "caf", SanitizeString("café", 4))
	assert.Equal(t, "café", SanitizeString("café", 5))
}

func TestQueryRangeErrorCarriesBounds(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=0", nil)
	_, err := ParseQueryInt(req, "limit", 50, 1, 500)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, map[string]any{"field": "limit", "min": 1, "max": 500}, typed.Details())
}
