package middleware

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cloudphone/txcore/pkg/tracing"
)

// Trace continues an incoming W3C trace so that events and commands written
// by the request carry it into the outbox.
func Trace() func(http.Handler) http.Handler {
	tracer := tracing.Tracer("txcore/api")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			carrier := map[string]string{}
			if tp := r.Header.Get("traceparent"); tp != "" {
				carrier["traceparent"] = tp
			}
			if ts := r.Header.Get("tracestate"); ts != "" {
				carrier["tracestate"] = ts
			}
			ctx := tracing.Extract(r.Context(), carrier)
			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attribute.String("http.method", r.Method)),
			)
			defer span.End()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
