package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/sluice/queue"
)

// tracerName is the instrumentation scope name for sluice tracing.
const tracerName = "github.com/xraph/sluice"

// Tracing returns middleware that wraps entry execution in an OpenTelemetry
// span. If no TracerProvider is configured globally, the default noop tracer
// is used and this middleware becomes a pass-through with zero overhead.
//
// Span attributes include: sluice.entry.id, sluice.task.id, sluice.tenant.id,
// sluice.priority, sluice.attempt.
// On error, the span status is set to codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, ent *queue.Entry, next Handler) error {
		ctx, span := tracer.Start(ctx, "sluice.entry.execute",
			trace.WithAttributes(
				attribute.String("sluice.entry.id", ent.ID.String()),
				attribute.String("sluice.task.id", ent.TaskID),
				attribute.String("sluice.tenant.id", ent.TenantID),
				attribute.Int("sluice.priority", ent.Priority),
				attribute.Int("sluice.attempt", ent.Attempts),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
