// Package webhook delivers event payloads to tenant-configured endpoints.
// It is a specialized consumer of the same job store the core engine uses,
// restricted to delivery jobs, with its own policy: no owner quotas, a
// per-destination requests-per-second cap, a shorter backoff curve, and a
// bounded total retry window instead of an attempt ceiling. Endpoint
// outages routinely outlast platform API hiccups; giving deliveries a day
// of retries tracks that reality better than counting attempts.
//
// Payload signing is delegated to a collaborator-provided Signer; the
// engine threads the signature through as a request header and never
// computes it.
package webhook

import (
	"context"
	"time"

	"github.com/podworks/cadence"
	"github.com/podworks/cadence/id"
)

// Attempt is the audit record of one delivery try.
type Attempt struct {
	cadence.Entity

	ID         id.DeliveryID `json:"id"`
	JobID      id.JobID      `json:"job_id"`
	Endpoint   string        `json:"endpoint"`
	AttemptNo  int           `json:"attempt_no"`
	StatusCode int           `json:"status_code,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// AttemptLog persists delivery attempts for external auditing.
type AttemptLog interface {
	RecordAttempt(ctx context.Context, a *Attempt) error
	ListAttempts(ctx context.Context, jobID id.JobID) ([]*Attempt, error)
}

// Signer produces the signature header attached to every outbound
// delivery. Implemented by the platform, not this package.
type Signer interface {
	Sign(ctx context.Context, body []byte) (header, value string, err error)
}

// Emitter receives a notification for every recorded delivery attempt.
type Emitter interface {
	EmitDeliveryAttempted(ctx context.Context, a *Attempt)
}
