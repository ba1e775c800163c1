package job

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/podworks/cadence"
	"github.com/podworks/cadence/id"
)

// Kind is the closed set of action kinds the engine can dispatch.
type Kind string

const (
	// KindSendMessage sends a direct message to a recipient.
	KindSendMessage Kind = "send_message"
	// KindLikePost likes a post on behalf of the owner account.
	KindLikePost Kind = "like_post"
	// KindCommentPost comments on a post on behalf of the owner account.
	KindCommentPost Kind = "comment_post"
	// KindDeliverWebhook delivers a signed event payload to a tenant endpoint.
	KindDeliverWebhook Kind = "deliver_webhook"
)

// Kinds lists every valid kind. Used for startup registry validation.
func Kinds() []Kind {
	return []Kind{KindSendMessage, KindLikePost, KindCommentPost, KindDeliverWebhook}
}

// Valid reports whether k is a member of the closed kind set.
func (k Kind) Valid() bool {
	switch k {
	case KindSendMessage, KindLikePost, KindCommentPost, KindDeliverWebhook:
		return true
	}
	return false
}

// State represents the lifecycle state of a job.
type State string

const (
	// StateDelayed means the job is waiting for its ScheduledFor time.
	StateDelayed State = "delayed"
	// StateQueued means the job is due and waiting for admission and a
	// worker slot.
	StateQueued State = "queued"
	// StateActive means a worker is currently executing the job.
	StateActive State = "active"
	// StateCompleted means the executor reported success.
	StateCompleted State = "completed"
	// StateFailed means the job failed permanently or exhausted its
	// retry budget.
	StateFailed State = "failed"
	// StateCancelled means the job was cancelled by a control operation.
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is a terminal state. Terminal states never
// transition further.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Job represents a unit of scheduled work.
type Job struct {
	cadence.Entity

	ID           id.JobID      `json:"id"`
	Kind         Kind          `json:"kind"`
	Payload      []byte        `json:"payload"`
	OwnerKey     string        `json:"owner_key"`
	CampaignID   id.CampaignID `json:"campaign_id,omitempty"`
	DedupeKey    string        `json:"dedupe_key,omitempty"`
	State        State         `json:"state"`
	ScheduledFor time.Time     `json:"scheduled_for"`
	Attempts     int           `json:"attempts"`
	MaxAttempts  int           `json:"max_attempts"`
	LastError    string        `json:"last_error,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}

// DecodePayload unmarshals the job's JSON payload into v.
func (j *Job) DecodePayload(v any) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("job %s: empty payload", j.ID)
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("job %s: decode payload: %w", j.ID, err)
	}
	return nil
}

// RetryBudgetLeft reports whether the job may still be retried after a
// transient failure.
func (j *Job) RetryBudgetLeft() bool {
	return j.Attempts < j.MaxAttempts
}
