package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/pressline/syndicate/distribution"
	"github.com/pressline/syndicate/ext"
	"github.com/pressline/syndicate/guard"
	"github.com/pressline/syndicate/job"
)

const meterName = "github.com/pressline/syndicate/observability"

// Compile-time interface checks.
var (
	_ ext.Extension              = (*MetricsExtension)(nil)
	_ ext.JobEnqueued            = (*MetricsExtension)(nil)
	_ ext.JobSucceeded           = (*MetricsExtension)(nil)
	_ ext.JobFailed              = (*MetricsExtension)(nil)
	_ ext.JobRetried             = (*MetricsExtension)(nil)
	_ ext.JobCancelled           = (*MetricsExtension)(nil)
	_ ext.DistributionDispatched = (*MetricsExtension)(nil)
	_ ext.DistributionFailed     = (*MetricsExtension)(nil)
	_ ext.BreakerStateChanged    = (*MetricsExtension)(nil)
)

// MetricsExtension records system-wide lifecycle counters via an
// OpenTelemetry meter. Register it as a syndicate extension to track
// enqueue rates, terminal outcomes, retry counts, delivery outcomes,
// and breaker transitions.
type MetricsExtension struct {
	jobEnqueued  metric.Int64Counter
	jobSucceeded metric.Int64Counter
	jobFailed    metric.Int64Counter
	jobRetried   metric.Int64Counter
	jobCancelled metric.Int64Counter

	distributionDispatched metric.Int64Counter
	distributionFailed     metric.Int64Counter
	breakerTransitions     metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension on the global meter
// provider.
func NewMetricsExtension() (*MetricsExtension, error) {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter. Use a manual-reader meter in tests.
func NewMetricsExtensionWithMeter(meter metric.Meter) (*MetricsExtension, error) {
	m := &MetricsExtension{}
	var err error
	if m.jobEnqueued, err = meter.Int64Counter("syndicate.job.enqueued",
		metric.WithDescription("Jobs accepted past deduplication")); err != nil {
		return nil, err
	}
	if m.jobSucceeded, err = meter.Int64Counter("syndicate.job.succeeded",
		metric.WithDescription("Jobs whose full step chain completed")); err != nil {
		return nil, err
	}
	if m.jobFailed, err = meter.Int64Counter("syndicate.job.failed",
		metric.WithDescription("Jobs that landed in FAILED")); err != nil {
		return nil, err
	}
	if m.jobRetried, err = meter.Int64Counter("syndicate.job.retried",
		metric.WithDescription("Manual retries of failed jobs")); err != nil {
		return nil, err
	}
	if m.jobCancelled, err = meter.Int64Counter("syndicate.job.cancelled",
		metric.WithDescription("Jobs cancelled at a step boundary")); err != nil {
		return nil, err
	}
	if m.distributionDispatched, err = meter.Int64Counter("syndicate.distribution.dispatched",
		metric.WithDescription("Distributions accepted by a platform")); err != nil {
		return nil, err
	}
	if m.distributionFailed, err = meter.Int64Counter("syndicate.distribution.failed",
		metric.WithDescription("Distribution delivery failures")); err != nil {
		return nil, err
	}
	if m.breakerTransitions, err = meter.Int64Counter("syndicate.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions")); err != nil {
		return nil, err
	}
	return m, nil
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ── Job lifecycle hooks ─────────────────────────────

// OnJobEnqueued implements ext.JobEnqueued.
func (m *MetricsExtension) OnJobEnqueued(ctx context.Context, j *job.Job) error {
	m.jobEnqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("job_type", j.Type)))
	return nil
}

// OnJobSucceeded implements ext.JobSucceeded.
func (m *MetricsExtension) OnJobSucceeded(ctx context.Context, j *job.Job, _ time.Duration) error {
	m.jobSucceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("job_type", j.Type)))
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	m.jobFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("job_type", j.Type)))
	return nil
}

// OnJobRetried implements ext.JobRetried.
func (m *MetricsExtension) OnJobRetried(ctx context.Context, j *job.Job, _ int) error {
	m.jobRetried.Add(ctx, 1, metric.WithAttributes(attribute.String("job_type", j.Type)))
	return nil
}

// OnJobCancelled implements ext.JobCancelled.
func (m *MetricsExtension) OnJobCancelled(ctx context.Context, j *job.Job) error {
	m.jobCancelled.Add(ctx, 1, metric.WithAttributes(attribute.String("job_type", j.Type)))
	return nil
}

// ── Distribution lifecycle hooks ────────────────────

// OnDistributionDispatched implements ext.DistributionDispatched.
func (m *MetricsExtension) OnDistributionDispatched(ctx context.Context, rec *distribution.Record) error {
	m.distributionDispatched.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel_id", rec.ChannelID.String())))
	return nil
}

// OnDistributionFailed implements ext.DistributionFailed.
func (m *MetricsExtension) OnDistributionFailed(ctx context.Context, rec *distribution.Record, _ error) error {
	m.distributionFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel_id", rec.ChannelID.String())))
	return nil
}

// OnBreakerStateChanged implements ext.BreakerStateChanged.
func (m *MetricsExtension) OnBreakerStateChanged(ctx context.Context, channelID string, _, to guard.State) error {
	m.breakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel_id", channelID),
		attribute.String("to", string(to))))
	return nil
}
