// Package hook defines the lifecycle notification system for cadence.
// Hooks are notified of lifecycle events (job enqueued, completed, failed,
// deferred, webhook delivery attempted, etc.) and can react to them:
// activity logs, metrics, alerting.
//
// Each lifecycle event is a separate interface so listeners opt in only
// to the events they care about. Terminal job transitions always pass
// through here; this is how external collaborators (campaign activity
// logs, dashboards) observe the engine without owning any of its state.
package hook

import (
	"context"
	"time"

	"github.com/podworks/cadence/job"
	"github.com/podworks/cadence/webhook"
)

// Listener is the base interface all hook listeners must implement.
type Listener interface {
	// Name returns a unique human-readable name for the listener.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobEnqueued is called after a job is successfully enqueued or scheduled.
type JobEnqueued interface {
	OnJobEnqueued(ctx context.Context, j *job.Job) error
}

// JobStarted is called when a worker begins executing a job.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobCompleted is called after a job finishes successfully.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobFailed is called when a job fails terminally (permanent failure or
// retry budget exhausted).
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobRetrying is called when a job fails transiently and is re-delayed
// with backoff.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time) error
}

// JobDeferred is called when rate-limit admission is denied and the job is
// pushed back without consuming an attempt.
type JobDeferred interface {
	OnJobDeferred(ctx context.Context, j *job.Job, resetAt time.Time) error
}

// JobCancelled is called when a control operation cancels a job.
type JobCancelled interface {
	OnJobCancelled(ctx context.Context, j *job.Job) error
}

// ──────────────────────────────────────────────────
// Webhook / engine hooks
// ──────────────────────────────────────────────────

// DeliveryAttempted is called after every webhook delivery attempt,
// successful or not, with the audit record.
type DeliveryAttempted interface {
	OnDeliveryAttempted(ctx context.Context, a *webhook.Attempt) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
