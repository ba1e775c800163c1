package observe

import (
	"context"
	"time"

	"github.com/podworks/cadence/hook"
	"github.com/podworks/cadence/job"
	"github.com/podworks/cadence/webhook"
)

// Compile-time interface checks.
var (
	_ hook.Listener          = (*AuditListener)(nil)
	_ hook.JobEnqueued       = (*AuditListener)(nil)
	_ hook.JobStarted        = (*AuditListener)(nil)
	_ hook.JobCompleted      = (*AuditListener)(nil)
	_ hook.JobFailed         = (*AuditListener)(nil)
	_ hook.JobRetrying       = (*AuditListener)(nil)
	_ hook.JobDeferred       = (*AuditListener)(nil)
	_ hook.JobCancelled      = (*AuditListener)(nil)
	_ hook.DeliveryAttempted = (*AuditListener)(nil)
)

// Audit event actions. Each constant corresponds to one lifecycle hook and
// becomes the Action field of the audit event.
const (
	ActionJobEnqueued       = "job.enqueued"
	ActionJobStarted        = "job.started"
	ActionJobCompleted      = "job.completed"
	ActionJobFailed         = "job.failed"
	ActionJobRetrying       = "job.retrying"
	ActionJobDeferred       = "job.deferred"
	ActionJobCancelled      = "job.cancelled"
	ActionDeliveryAttempted = "delivery.attempted"
)

// Outcome values for audit events.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeDeferred = "deferred"
)

// AuditEvent is a backend-neutral activity record. It avoids a dependency
// on any particular audit store; callers bridge to their own backend with
// a RecorderFunc.
type AuditEvent struct {
	Action   string         `json:"action"`
	Resource string         `json:"resource"`
	OwnerKey string         `json:"owner_key,omitempty"`
	Outcome  string         `json:"outcome"`
	Reason   string         `json:"reason,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Recorder is the interface audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// RecorderFunc adapts a plain function to a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// AuditListener translates lifecycle events into audit records for an
// external activity log. Register it with engine.WithListener.
type AuditListener struct {
	recorder Recorder
}

// NewAuditListener builds a listener writing to the given recorder.
func NewAuditListener(r Recorder) *AuditListener {
	return &AuditListener{recorder: r}
}

// Name implements hook.Listener.
func (a *AuditListener) Name() string { return "observe-audit" }

func (a *AuditListener) jobEvent(j *job.Job, action, outcome string) *AuditEvent {
	return &AuditEvent{
		Action:   action,
		Resource: j.ID.String(),
		OwnerKey: j.OwnerKey,
		Outcome:  outcome,
		Metadata: map[string]any{
			"kind":     string(j.Kind),
			"attempts": j.Attempts,
		},
	}
}

func (a *AuditListener) OnJobEnqueued(ctx context.Context, j *job.Job) error {
	return a.recorder.Record(ctx, a.jobEvent(j, ActionJobEnqueued, OutcomeSuccess))
}

func (a *AuditListener) OnJobStarted(ctx context.Context, j *job.Job) error {
	return a.recorder.Record(ctx, a.jobEvent(j, ActionJobStarted, OutcomeSuccess))
}

func (a *AuditListener) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	evt := a.jobEvent(j, ActionJobCompleted, OutcomeSuccess)
	evt.Metadata["elapsed_ms"] = elapsed.Milliseconds()
	return a.recorder.Record(ctx, evt)
}

func (a *AuditListener) OnJobFailed(ctx context.Context, j *job.Job, jobErr error) error {
	evt := a.jobEvent(j, ActionJobFailed, OutcomeFailure)
	if jobErr != nil {
		evt.Reason = jobErr.Error()
	}
	return a.recorder.Record(ctx, evt)
}

func (a *AuditListener) OnJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time) error {
	evt := a.jobEvent(j, ActionJobRetrying, OutcomeDeferred)
	evt.Metadata["attempt"] = attempt
	evt.Metadata["next_run_at"] = nextRunAt
	return a.recorder.Record(ctx, evt)
}

func (a *AuditListener) OnJobDeferred(ctx context.Context, j *job.Job, resetAt time.Time) error {
	evt := a.jobEvent(j, ActionJobDeferred, OutcomeDeferred)
	evt.Metadata["reset_at"] = resetAt
	return a.recorder.Record(ctx, evt)
}

func (a *AuditListener) OnJobCancelled(ctx context.Context, j *job.Job) error {
	return a.recorder.Record(ctx, a.jobEvent(j, ActionJobCancelled, OutcomeSuccess))
}

func (a *AuditListener) OnDeliveryAttempted(ctx context.Context, att *webhook.Attempt) error {
	outcome := OutcomeFailure
	if att.StatusCode >= 200 && att.StatusCode < 300 {
		outcome = OutcomeSuccess
	}
	evt := &AuditEvent{
		Action:   ActionDeliveryAttempted,
		Resource: att.JobID.String(),
		Outcome:  outcome,
		Reason:   att.Error,
		Metadata: map[string]any{
			"endpoint":    att.Endpoint,
			"attempt_no":  att.AttemptNo,
			"status_code": att.StatusCode,
			"duration_ms": att.Duration.Milliseconds(),
		},
	}
	return a.recorder.Record(ctx, evt)
}
