package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	batch "github.com/UniQw/batch-go"
)

// Metrics returns middleware that records per-job execution metrics using
// the global OTel MeterProvider.
//
// Instruments:
//   - batch.job.duration (Float64Histogram): execution time in seconds
//   - batch.job.executions (Int64Counter): total executions
//
// Both carry the attributes job_type, queue and status ("ok" or "error").
func Metrics() batch.Middleware {
	return MetricsWithMeter(otel.Meter(instrumentationName))
}

// MetricsWithMeter returns metrics middleware using the provided meter.
func MetricsWithMeter(meter metric.Meter) batch.Middleware {
	// On error the API hands back noop instruments.
	duration, _ := meter.Float64Histogram(
		"batch.job.duration",
		metric.WithDescription("Duration of job execution in seconds"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter(
		"batch.job.executions",
		metric.WithDescription("Total number of job executions"),
		metric.WithUnit("{execution}"),
	)

	return func(next batch.HandlerFunc) batch.HandlerFunc {
		return func(ctx context.Context, payload []byte) error {
			start := time.Now()
			err := next(ctx, payload)
			elapsed := time.Since(start).Seconds()

			status := "ok"
			if err != nil {
				status = "error"
			}
			j, _ := batch.JobInfo(ctx)
			attrs := metric.WithAttributes(
				attribute.String("job_type", j.TypeID),
				attribute.String("queue", j.Queue),
				attribute.String("status", status),
			)
			duration.Record(ctx, elapsed, attrs)
			executions.Add(ctx, 1, attrs)
			return err
		}
	}
}
