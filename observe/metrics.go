// Package observe provides hook listeners that export engine lifecycle
// metrics through OpenTelemetry.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/podworks/cadence/hook"
	"github.com/podworks/cadence/job"
	"github.com/podworks/cadence/webhook"
)

const meterName = "github.com/podworks/cadence/observe"

// Compile-time interface checks.
var (
	_ hook.Listener          = (*MetricsListener)(nil)
	_ hook.JobEnqueued       = (*MetricsListener)(nil)
	_ hook.JobStarted        = (*MetricsListener)(nil)
	_ hook.JobCompleted      = (*MetricsListener)(nil)
	_ hook.JobFailed         = (*MetricsListener)(nil)
	_ hook.JobRetrying       = (*MetricsListener)(nil)
	_ hook.JobDeferred       = (*MetricsListener)(nil)
	_ hook.JobCancelled      = (*MetricsListener)(nil)
	_ hook.DeliveryAttempted = (*MetricsListener)(nil)
)

// MetricsListener records lifecycle counters and a completion latency
// histogram. Register it on the hook registry to track enqueue rates,
// completions, failures, retries, rate-limit deferrals, cancellations,
// and webhook delivery attempts.
type MetricsListener struct {
	enqueued   metric.Int64Counter
	started    metric.Int64Counter
	completed  metric.Int64Counter
	failed     metric.Int64Counter
	retried    metric.Int64Counter
	deferred   metric.Int64Counter
	cancelled  metric.Int64Counter
	deliveries metric.Int64Counter
	latency    metric.Float64Histogram
}

// NewMetricsListener creates a listener on the global meter provider.
func NewMetricsListener() (*MetricsListener, error) {
	return NewMetricsListenerWithMeter(otel.Meter(meterName))
}

// NewMetricsListenerWithMeter creates a listener on the given meter.
func NewMetricsListenerWithMeter(meter metric.Meter) (*MetricsListener, error) {
	m := &MetricsListener{}
	var err error
	if m.enqueued, err = meter.Int64Counter("cadence.jobs.enqueued"); err != nil {
		return nil, err
	}
	if m.started, err = meter.Int64Counter("cadence.jobs.started"); err != nil {
		return nil, err
	}
	if m.completed, err = meter.Int64Counter("cadence.jobs.completed"); err != nil {
		return nil, err
	}
	if m.failed, err = meter.Int64Counter("cadence.jobs.failed"); err != nil {
		return nil, err
	}
	if m.retried, err = meter.Int64Counter("cadence.jobs.retried"); err != nil {
		return nil, err
	}
	if m.deferred, err = meter.Int64Counter("cadence.jobs.deferred"); err != nil {
		return nil, err
	}
	if m.cancelled, err = meter.Int64Counter("cadence.jobs.cancelled"); err != nil {
		return nil, err
	}
	if m.deliveries, err = meter.Int64Counter("cadence.webhook.attempts"); err != nil {
		return nil, err
	}
	if m.latency, err = meter.Float64Histogram("cadence.jobs.duration",
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// Name implements hook.Listener.
func (m *MetricsListener) Name() string { return "observe-metrics" }

func kindAttr(j *job.Job) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("kind", string(j.Kind)))
}

// OnJobEnqueued implements hook.JobEnqueued.
func (m *MetricsListener) OnJobEnqueued(ctx context.Context, j *job.Job) error {
	m.enqueued.Add(ctx, 1, kindAttr(j))
	return nil
}

// OnJobStarted implements hook.JobStarted.
func (m *MetricsListener) OnJobStarted(ctx context.Context, j *job.Job) error {
	m.started.Add(ctx, 1, kindAttr(j))
	return nil
}

// OnJobCompleted implements hook.JobCompleted.
func (m *MetricsListener) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	m.completed.Add(ctx, 1, kindAttr(j))
	m.latency.Record(ctx, elapsed.Seconds(), kindAttr(j))
	return nil
}

// OnJobFailed implements hook.JobFailed.
func (m *MetricsListener) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	m.failed.Add(ctx, 1, kindAttr(j))
	return nil
}

// OnJobRetrying implements hook.JobRetrying.
func (m *MetricsListener) OnJobRetrying(ctx context.Context, j *job.Job, _ int, _ time.Time) error {
	m.retried.Add(ctx, 1, kindAttr(j))
	return nil
}

// OnJobDeferred implements hook.JobDeferred.
func (m *MetricsListener) OnJobDeferred(ctx context.Context, j *job.Job, _ time.Time) error {
	m.deferred.Add(ctx, 1, kindAttr(j))
	return nil
}

// OnJobCancelled implements hook.JobCancelled.
func (m *MetricsListener) OnJobCancelled(ctx context.Context, j *job.Job) error {
	m.cancelled.Add(ctx, 1, kindAttr(j))
	return nil
}

// OnDeliveryAttempted implements hook.DeliveryAttempted.
func (m *MetricsListener) OnDeliveryAttempted(ctx context.Context, a *webhook.Attempt) error {
	status := "error"
	if a.StatusCode >= 200 && a.StatusCode < 300 {
		status = "ok"
	} else if a.StatusCode > 0 {
		status = "rejected"
	}
	m.deliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	return nil
}
