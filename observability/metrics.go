// Package observability records dispatch metrics through the OpenTelemetry
// metric API. Instruments degrade to noops when no MeterProvider is
// configured, so instrumented code never needs a nil check.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for dispatch metrics.
const meterName = "github.com/voxeval/dispatch"

// Metrics holds the dispatch instruments.
//
// Instruments:
//   - dispatch.jobs.claimed (Int64Counter): successful claims, by region
//   - dispatch.jobs.reported (Int64Counter): accepted result reports,
//     by region and outcome ("completed" or "failed")
//   - dispatch.jobs.reaped (Int64Counter): expired leases handled by the
//     reaper, by region and action ("requeued" or "exhausted")
//   - dispatch.workers.heartbeats (Int64Counter): accepted heartbeats
//   - dispatch.job.duration (Float64Histogram): claim-to-report wall time
//     in seconds, by region and outcome
type Metrics struct {
	claimed    metric.Int64Counter
	reported   metric.Int64Counter
	reaped     metric.Int64Counter
	heartbeats metric.Int64Counter
	duration   metric.Float64Histogram
}

// NewMetrics creates Metrics using the global OTel MeterProvider. If no
// MeterProvider is configured, noop instruments are used.
func NewMetrics() *Metrics {
	return NewMetricsWithMeter(otel.Meter(meterName))
}

// NewMetricsWithMeter creates Metrics using the provided meter. This
// variant allows injecting a specific MeterProvider for testing.
func NewMetricsWithMeter(meter metric.Meter) *Metrics {
	// Instruments are created once. OTel instruments are safe for
	// concurrent use. On error, the API returns noop instruments.
	claimed, err := meter.Int64Counter(
		"dispatch.jobs.claimed",
		metric.WithDescription("Total number of successful job claims"),
		metric.WithUnit("{claim}"),
	)
	_ = err // noop fallback guaranteed by OTel API contract

	reported, err := meter.Int64Counter(
		"dispatch.jobs.reported",
		metric.WithDescription("Total number of accepted result reports"),
		metric.WithUnit("{report}"),
	)
	_ = err // noop fallback guaranteed by OTel API contract

	reaped, err := meter.Int64Counter(
		"dispatch.jobs.reaped",
		metric.WithDescription("Total number of expired leases handled by the reaper"),
		metric.WithUnit("{job}"),
	)
	_ = err // noop fallback guaranteed by OTel API contract

	heartbeats, err := meter.Int64Counter(
		"dispatch.workers.heartbeats",
		metric.WithDescription("Total number of accepted worker heartbeats"),
		metric.WithUnit("{heartbeat}"),
	)
	_ = err // noop fallback guaranteed by OTel API contract

	duration, err := meter.Float64Histogram(
		"dispatch.job.duration",
		metric.WithDescription("Wall time from claim to accepted report in seconds"),
		metric.WithUnit("s"),
	)
	_ = err // noop fallback guaranteed by OTel API contract

	return &Metrics{
		claimed:    claimed,
		reported:   reported,
		reaped:     reaped,
		heartbeats: heartbeats,
		duration:   duration,
	}
}

// RecordClaim counts a successful claim.
func (m *Metrics) RecordClaim(ctx context.Context, region string) {
	m.claimed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("region", region),
	))
}

// RecordReport counts an accepted result report and records the job's
// claim-to-report duration when known.
func (m *Metrics) RecordReport(ctx context.Context, region, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("region", region),
		attribute.String("outcome", outcome),
	)
	m.reported.Add(ctx, 1, attrs)
	if elapsed > 0 {
		m.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

// RecordReap counts an expired lease handled by the reaper. Action is
// "requeued" or "exhausted".
func (m *Metrics) RecordReap(ctx context.Context, region, action string) {
	m.reaped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("region", region),
		attribute.String("action", action),
	))
}

// RecordHeartbeat counts an accepted worker heartbeat.
func (m *Metrics) RecordHeartbeat(ctx context.Context) {
	m.heartbeats.Add(ctx, 1)
}
