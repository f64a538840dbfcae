package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cloudphone/txcore/api/responses"
	"github.com/cloudphone/txcore/api/validators"
	pkgerrors "github.com/cloudphone/txcore/pkg/errors"
	"github.com/cloudphone/txcore/pkg/logger"
	pkgredis "github.com/cloudphone/txcore/pkg/redis"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"

	defaultIdempotencyTTL = 24 * time.Hour
	sagaStartTTL          = 7 * 24 * time.Hour
	// inFlightTTL bounds how long a crashed request blocks its key.
	inFlightTTL = time.Minute
)

// idempotencyRule matches a method and a URL path template where "*" stands
// for one path segment.
type idempotencyRule struct {
	method   string
	segments []string
	ttl      time.Duration
	required bool
}

func newRule(method, template string, ttl time.Duration, required bool) idempotencyRule {
	return idempotencyRule{method: method, segments: splitPath(template), ttl: ttl, required: required}
}

// Starting a saga must carry a key: a retried POST would otherwise start a
// second saga. Appends are guarded by expectedVersion, so the key is optional.
var idempotencyRules = []idempotencyRule{
	newRule(http.MethodPost, "/api/v1/sagas/*", sagaStartTTL, true),
	newRule(http.MethodPost, "/api/v1/aggregates/*/*/events", defaultIdempotencyTTL, false),
	newRule(http.MethodPatch, "/api/v1/users/*", defaultIdempotencyTTL, false),
	newRule(http.MethodPost, "/api/v1/users/*/suspend", defaultIdempotencyTTL, false),
	newRule(http.MethodPost, "/api/v1/users/*/activate", defaultIdempotencyTTL, false),
	newRule(http.MethodPost, "/api/v1/plans", defaultIdempotencyTTL, false),
}

// idempotencyRecord is stored under the key. A record without Status marks a
// request that is still running.
type idempotencyRecord struct {
	Status      int               `json:"status,omitempty"`
	Body        []byte            `json:"body,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	RequestHash string            `json:"request_hash"`
}

func (r idempotencyRecord) pending() bool { return r.Status == 0 }

// Idempotency replays the stored response of a request whose
// Idempotency-Key was already seen on the same route and actor.
func Idempotency(store pkgredis.IdempotencyStore, logg *logger.Logger) func(http.Handler) http.Handler {
	if logg == nil {
		logg = logger.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			rule, ok := routeRule(r.Method, r.URL.Path)
			if !ok || store == nil {
				next.ServeHTTP(w, r)
				return
			}

			clientKey := strings.TrimSpace(r.Header.Get(idempotencyHeader))
			if clientKey == "" {
				if rule.required {
					responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key header required"))
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			if len(clientKey) > maxRequestIDLen {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key header too long"))
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, validators.MaxBodyBytes))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "request body too large"))
					return
				}
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			requestHash := hashRequest(body)
			key := store.IdempotencyKey(scopeFor(r), clientKey)
			ctx = logg.WithField(ctx, "idempotency_key", clientKey)

			marker, reserved, err := reserve(ctx, store, key, requestHash)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reserve idempotency key"))
				return
			}
			if !reserved {
				replayOrReject(ctx, w, store, key, requestHash, logg)
				return
			}

			rec := &responseCapture{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			status := rec.statusOrOK()
			if status >= http.StatusInternalServerError {
				// release so the client's retry runs the handler again
				if _, err := store.DelIfValue(ctx, key, marker); err != nil {
					logg.Error(ctx, "release idempotency key", err)
				}
				return
			}
			record := idempotencyRecord{Status: status, Body: rec.body.Bytes(), RequestHash: requestHash}
			if ct := rec.Header().Get("Content-Type"); ct != "" {
				record.Headers = map[string]string{"Content-Type": ct}
			}
			if err := complete(ctx, store, key, record, rule.ttl); err != nil {
				logg.Error(ctx, "persist idempotency record", err)
			}
		})
	}
}

// reserve writes the in-flight marker and returns it so the holder releases
// only its own reservation.
func reserve(ctx context.Context, store pkgredis.IdempotencyStore, key, requestHash string) (string, bool, error) {
	payload, err := json.Marshal(idempotencyRecord{RequestHash: requestHash})
	if err != nil {
		return "", false, err
	}
	ok, err := store.SetNX(ctx, key, string(payload), inFlightTTL)
	return string(payload), ok, err
}

// complete swaps the in-flight marker for the final record.
func complete(ctx context.Context, store pkgredis.IdempotencyStore, key string, record idempotencyRecord, ttl time.Duration) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return store.Set(ctx, key, string(payload), ttl)
}

func replayOrReject(ctx context.Context, w http.ResponseWriter, store pkgredis.IdempotencyStore, key, requestHash string, logg *logger.Logger) {
	stored, err := store.Get(ctx, key)
	if errors.Is(err, redis.Nil) {
		// the holder released it between our reservation and this read
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConflict, "request with this Idempotency-Key is in progress; retry"))
		return
	}
	if err != nil {
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check idempotency"))
		return
	}
	var record idempotencyRecord
	if err := json.Unmarshal([]byte(stored), &record); err != nil {
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode idempotency record"))
		return
	}
	switch {
	case record.RequestHash != requestHash:
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConflict, "idempotency key reused with different request body"))
	case record.pending():
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConflict, "request with this Idempotency-Key is in progress; retry"))
	default:
		for name, value := range record.Headers {
			w.Header().Set(name, value)
		}
		w.Header().Set(replayedHeader, "true")
		w.WriteHeader(record.Status)
		_, _ = w.Write(record.Body)
	}
}

func scopeFor(r *http.Request) string {
	return strings.Join([]string{ActorFromContext(r.Context()), r.Method, strings.TrimRight(r.URL.Path, "/")}, "|")
}

func hashRequest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func splitPath(path string) []string {
	return strings.Split(strings.Trim(path, "/"), "/")
}

func routeRule(method, path string) (idempotencyRule, bool) {
	segments := splitPath(path)
	for _, rule := range idempotencyRules {
		if rule.method == method && matchSegments(rule.segments, segments) {
			return rule, true
		}
	}
	return idempotencyRule{}, false
}

func matchSegments(template, segments []string) bool {
	if len(template) != len(segments) {
		return false
	}
	for i, want := range template {
		if want == "*" {
			if segments[i] == "" {
				return false
			}
			continue
		}
		if want != segments[i] {
			return false
		}
	}
	return true
}

type responseCapture struct {
	http.ResponseWriter
	body   bytes.Buffer
	status int
}

func (r *responseCapture) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseCapture) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *responseCapture) statusOrOK() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}
