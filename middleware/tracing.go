package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/podworks/cadence/job"
)

// tracerName is the instrumentation scope name for cadence tracing.
const tracerName = "github.com/podworks/cadence"

// Tracing returns middleware that wraps executor calls in an OpenTelemetry
// span. If no TracerProvider is configured globally, the default noop
// tracer is used and this middleware becomes a pass-through.
//
// Span attributes include: cadence.job.id, cadence.job.kind,
// cadence.owner_key, cadence.campaign_id, cadence.attempts.
// On error, the span status is set to codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		ctx, span := tracer.Start(ctx, "cadence.job.execute",
			trace.WithAttributes(
				attribute.String("cadence.job.id", j.ID.String()),
				attribute.String("cadence.job.kind", string(j.Kind)),
				attribute.String("cadence.owner_key", j.OwnerKey),
				attribute.String("cadence.campaign_id", j.CampaignID.String()),
				attribute.Int("cadence.attempts", j.Attempts),
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
