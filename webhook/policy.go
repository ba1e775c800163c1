package webhook

import (
	"time"

	"github.com/podworks/cadence/backoff"
	"github.com/podworks/cadence/job"
)

// DefaultRetryWindow is how long a delivery keeps retrying before the
// engine abandons it.
const DefaultRetryWindow = 24 * time.Hour

// WindowPolicy retries a delivery until its total retry window elapses,
// regardless of how many attempts fit inside it. The window is anchored
// at the job's creation time.
type WindowPolicy struct {
	Strategy backoff.Strategy
	Window   time.Duration
}

// DefaultPolicy returns the delivery retry policy: the short webhook
// backoff curve inside a 24 hour window.
func DefaultPolicy() WindowPolicy {
	return WindowPolicy{
		Strategy: backoff.WebhookStrategy(),
		Window:   DefaultRetryWindow,
	}
}

// NextRetry implements the worker pool's retry contract.
func (p WindowPolicy) NextRetry(j *job.Job, now time.Time) (time.Time, bool) {
	deadline := j.CreatedAt.Add(p.Window)
	next := now.Add(p.Strategy.Delay(j.Attempts))
	if next.After(deadline) {
		return time.Time{}, false
	}
	return next, true
}
