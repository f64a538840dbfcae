package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/cloudphone/txcore/api/responses"
	pkgerrors "github.com/cloudphone/txcore/pkg/errors"
	"github.com/cloudphone/txcore/pkg/logger"
	"github.com/cloudphone/txcore/pkg/metrics"
)

// Recoverer turns a handler panic into a 500 envelope. The panic value and
// stack are logged, never returned. A panic that aborts a transaction leaves
// nothing committed, so the caller may retry with the same idempotency key.
func Recoverer(logg *logger.Logger, m *metrics.HTTPMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				route := routePattern(r)
				m.IncPanic(route)

				err := fmt.Errorf("panic in %s %s: %v", r.Method, route, rec)
				ctx := r.Context()
				if logg != nil {
					ctx = logg.WithFields(ctx, map[string]any{
						"route": route,
						"stack": string(debug.Stack()),
					})
					logg.Error(ctx, "handler panic recovered", err)
				}
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "handler panic"))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
