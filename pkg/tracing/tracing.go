// Package tracing carries W3C trace context across the outbox and the
// transports so a saga can be followed from the HTTP request that started it
// to every participant that handled one of its commands.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	HeaderTraceparent = "traceparent"
	HeaderTracestate  = "tracestate"
)

// Setup installs the trace-context and baggage propagators globally. Without
// an SDK tracer provider spans stay no-ops, but context still propagates.
func Setup() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

// Inject returns the propagation fields of ctx. The map is empty when ctx
// carries no span.
func Inject(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier
}

// Extract restores the remote span context recorded in fields.
func Extract(ctx context.Context, fields map[string]string) context.Context {
	if len(fields) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(fields))
}

// Tracer returns a named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
