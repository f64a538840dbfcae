package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/cloudphone/txcore/pkg/errors"
)

type fakeStore struct {
	data map[string]string
	ttls map[string]time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (f *fakeStore) Get(_ context.Context, key string) (string, error) {
	if v, ok := f.data[key]; ok {
		return v, nil
	}
	return "", redis.Nil
}

func (f *fakeStore) SetNX(_ context.Context, key string, value any, ttl time.Duration) (bool, error) {
	if _, ok := f.data[key]; ok {
		return false, nil
	}
	str, _ := value.(string)
	f.data[key] = str
	f.ttls[key] = ttl
	return true, nil
}

func (f *fakeStore) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	str, _ := value.(string)
	f.data[key] = str
	f.ttls[key] = ttl
	return nil
}

func (f *fakeStore) DelIfValue(_ context.Context, key, value string) (bool, error) {
	if v, ok := f.data[key]; !ok || v != value {
		return false, nil
	}
	delete(f.data, key)
	return true, nil
}

func (f *fakeStore) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *fakeStore) IdempotencyKey(scope, id string) string {
	return fmt.Sprintf("fake:%s:%s", scope, id)
}

func post(path, key, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set(idempotencyHeader, key)
	}
	return req
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload.Error.Code
}

func TestRouteRuleSelection(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		path     string
		ttl      time.Duration
		required bool
		ok       bool
	}{
		{"saga start", http.MethodPost, "/api/v1/sagas/purchase_plan", sagaStartTTL, true, true},
		{"append", http.MethodPost, "/api/v1/aggregates/user/u-1/events", defaultIdempotencyTTL, false, true},
		{"user update", http.MethodPatch, "/api/v1/users/u-1/", defaultIdempotencyTTL, false, true},
		{"user suspend", http.MethodPost, "/api/v1/users/u-1/suspend", defaultIdempotencyTTL, false, true},
		{"plan create", http.MethodPost, "/api/v1/plans/", defaultIdempotencyTTL, false, true},
		{"saga read", http.MethodGet, "/api/v1/sagas/purchase_plan-1", 0, false, false},
		{"replay", http.MethodGet, "/api/v1/aggregates/user/u-1", 0, false, false},
		{"unknown user action", http.MethodPost, "/api/v1/users/u-1/delete", 0, false, false},
		{"missing segment", http.MethodPost, "/api/v1/sagas/", 0, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, ok := routeRule(tt.method, tt.path)
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.ttl, rule.ttl)
			assert.Equal(t, tt.required, rule.required)
		})
	}
}

func TestIdempotencyMiddlewareRequiresHeader(t *testing.T) {
	handlerCalled := false
	handler := Idempotency(newFakeStore(), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
		w.WriteHeader(http.StatusCreated)
	}))

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, post("/api/v1/sagas/purchase_plan", "", `{"userId":"u-1"}`))

	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.False(t, handlerCalled)
}

func TestIdempotencyMiddlewareReplaysStoredResponse(t *testing.T) {
	store := newFakeStore()
	var calls int
	handler := Idempotency(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"sagaId":"purchase_plan-1"}`))
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, post("/api/v1/sagas/purchase_plan", "abc", `{"userId":"u-1"}`))
	require.Equal(t, http.StatusAccepted, first.Code)
	assert.Empty(t, first.Header().Get(replayedHeader))

	replay := httptest.NewRecorder()
	handler.ServeHTTP(replay, post("/api/v1/sagas/purchase_plan", "abc", `{"userId":"u-1"}`))
	assert.Equal(t, http.StatusAccepted, replay.Code)
	assert.Equal(t, "application/json", replay.Header().Get("Content-Type"))
	assert.Equal(t, "true", replay.Header().Get(replayedHeader))
	assert.Equal(t, `{"sagaId":"purchase_plan-1"}`, replay.Body.String())
	assert.Equal(t, 1, calls)

	for key, ttl := range store.ttls {
		assert.Equal(t, sagaStartTTL, ttl, key)
	}
}

func TestIdempotencyMiddlewareDetectsBodyChange(t *testing.T) {
	handler := Idempotency(newFakeStore(), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), post("/api/v1/sagas/purchase_plan", "xyz", `{"planId":"pro"}`))

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, post("/api/v1/sagas/purchase_plan", "xyz", `{"planId":"team"}`))
	assert.Equal(t, http.StatusConflict, resp.Code)
	assert.Equal(t, string(pkgerrors.CodeConflict), errorCode(t, resp))
}

func TestIdempotencyMiddlewareRejectsConcurrentDuplicate(t *testing.T) {
	store := newFakeStore()
	var inner http.Handler
	var nested *httptest.ResponseRecorder
	handler := Idempotency(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// a duplicate arrives while the first request is still running
		nested = httptest.NewRecorder()
		inner.ServeHTTP(nested, post("/api/v1/sagas/purchase_plan", "dup", `{"userId":"u-1"}`))
		w.WriteHeader(http.StatusAccepted)
	}))
	inner = handler

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, post("/api/v1/sagas/purchase_plan", "dup", `{"userId":"u-1"}`))

	assert.Equal(t, http.StatusAccepted, first.Code)
	require.NotNil(t, nested)
	assert.Equal(t, http.StatusConflict, nested.Code)
	assert.Contains(t, nested.Body.String(), "in progress")
}

func TestIdempotencyMiddlewareKeepsReservationTakenOverAfterExpiry(t *testing.T) {
	store := newFakeStore()
	taken := `{"request_hash":"other"}`
	handler := Idempotency(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// the in-flight marker expired and another request reserved the key
		for key := range store.data {
			store.data[key] = taken
		}
		w.WriteHeader(http.StatusBadGateway)
	}))

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, post("/api/v1/sagas/purchase_plan", "slow", `{"userId":"u-1"}`))
	assert.Equal(t, http.StatusBadGateway, resp.Code)

	require.Len(t, store.data, 1)
	for _, value := range store.data {
		assert.Equal(t, taken, value)
	}
}

func TestIdempotencyMiddlewareOptionalKeyAndServerErrors(t *testing.T) {
	store := newFakeStore()
	status := http.StatusServiceUnavailable
	var calls int
	handler := Idempotency(store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(status)
	}))

	path := "/api/v1/aggregates/user/u-1/events"
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, post(path, "", `{}`))
	require.Equal(t, http.StatusServiceUnavailable, resp.Code)
	require.Empty(t, store.data, "no key means pass-through")

	for i := 0; i < 2; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), post(path, "k-1", `{}`))
	}
	assert.Empty(t, store.data, "server errors release the key")
	assert.Equal(t, 3, calls)

	status = http.StatusOK
	for i := 0; i < 2; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), post(path, "k-1", `{}`))
	}
	assert.Equal(t, 4, calls, "the success is replayed")
}

func TestIdempotencyMiddlewareRejectsOversizeBodies(t *testing.T) {
	called := false
	handler := Idempotency(newFakeStore(), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, post("/api/v1/sagas/purchase_plan", "big", strings.Repeat("x", 2<<20)))
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.False(t, called)
}
