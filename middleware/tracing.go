package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	batch "github.com/UniQw/batch-go"
)

// instrumentationName is the scope name for batch tracing and metrics.
const instrumentationName = "github.com/UniQw/batch-go"

// Tracing returns middleware that wraps job execution in an OpenTelemetry span.
// Without a global TracerProvider the noop tracer is used.
//
// Span attributes: batch.job.id, batch.job.type, batch.queue, batch.attempt,
// batch.max_retries.
func Tracing() batch.Middleware {
	return TracingWithTracer(otel.Tracer(instrumentationName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) batch.Middleware {
	return func(next batch.HandlerFunc) batch.HandlerFunc {
		return func(ctx context.Context, payload []byte) error {
			j, _ := batch.JobInfo(ctx)
			ctx, span := tracer.Start(ctx, "batch.job.execute",
				trace.WithAttributes(
					attribute.String("batch.job.id", j.ID),
					attribute.String("batch.job.type", j.TypeID),
					attribute.String("batch.queue", j.Queue),
					attribute.Int("batch.attempt", j.Attempt),
					attribute.Int("batch.max_retries", j.MaxRetries),
				),
				trace.WithSpanKind(trace.SpanKindConsumer),
			)
			defer span.End()

			err := next(ctx, payload)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetStatus(codes.Ok, "")
			}
			return err
		}
	}
}
