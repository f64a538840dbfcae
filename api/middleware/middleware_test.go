package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudphone/txcore/pkg/metrics"
)

func TestActorDefaultsAndTruncates(t *testing.T) {
	var seen string
	h := Actor()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ActorFromContext(r.Context())
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "api", seen)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Actor", strings.Repeat("a", 100))
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Len(t, seen, maxActorLen)
}

func TestRequestIDIsEchoedAndStoredInContext(t *testing.T) {
	var seen string
	h := RequestID(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "req-1")
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	assert.Equal(t, "req-1", resp.Header().Get("X-Request-Id"))
	assert.Equal(t, "req-1", seen)

	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, resp.Header().Get("X-Request-Id"))
	assert.Equal(t, resp.Header().Get("X-Request-Id"), seen)
}

func TestRequestIDReplacesUnsafeIDs(t *testing.T) {
	h := RequestID(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	for _, id := range []string{"has space", "new\nline", strings.Repeat("x", maxRequestIDLen+1)} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-Id", id)
		resp := httptest.NewRecorder()
		h.ServeHTTP(resp, req)
		assert.NotEqual(t, id, resp.Header().Get("X-Request-Id"))
		assert.NotEmpty(t, resp.Header().Get("X-Request-Id"))
	}
}

func TestRecovererWritesInternalErrorAndCountsPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := Recoverer(nil, metrics.NewHTTPMetrics(reg))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
	assert.NotContains(t, resp.Body.String(), "boom")

	families, err := reg.Gather()
	require.NoError(t, err)
	var panics float64
	for _, mf := range families {
		if mf.GetName() == "txcore_http_panics_total" {
			for _, m := range mf.GetMetric() {
				panics += m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, float64(1), panics)
}

func TestLoggingRecordsRoutePattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := Logging(nil, metrics.NewHTTPMetrics(reg))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	req := requestWithPattern(http.MethodPost, "/api/v1/sagas/purchase_plan", "/api/v1/sagas/{sagaType}", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() != "txcore_http_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["route"] == "/api/v1/sagas/{sagaType}" && labels["status"] == "202" {
				found = m.GetCounter().GetValue() == 1
			}
		}
	}
	assert.True(t, found)
}

// requestWithPattern builds a request whose chi route context reports the
// given matched route pattern.
func requestWithPattern(method, path, pattern string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	rctx := chi.NewRouteContext()
	rctx.RoutePatterns = []string{pattern}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}
