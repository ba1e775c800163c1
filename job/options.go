package job

import (
	"time"

	"github.com/podworks/cadence/id"
)

// Options configures per-job behavior at enqueue time.
type Options struct {
	// CampaignID groups the job for bulk cancel. Nil means uncampaigned.
	CampaignID id.CampaignID

	// ScheduledFor is the earliest dispatch time. Zero means immediately.
	ScheduledFor time.Time

	// MaxAttempts overrides the engine's default retry ceiling when positive.
	MaxAttempts int

	// Timeout overrides the engine's default executor deadline when positive.
	Timeout time.Duration

	// DedupeKey suppresses the enqueue when a non-terminal job already
	// carries the same key. Empty disables deduplication.
	DedupeKey string
}

// Option is a functional option for configuring an enqueued job.
type Option func(*Options)

// WithCampaign associates the job with a campaign for bulk cancel.
func WithCampaign(campaignID id.CampaignID) Option {
	return func(o *Options) {
		o.CampaignID = campaignID
	}
}

// WithScheduledFor schedules the job for execution at a specific time.
func WithScheduledFor(t time.Time) Option {
	return func(o *Options) {
		o.ScheduledFor = t
	}
}

// WithMaxAttempts sets the retry ceiling for the job.
func WithMaxAttempts(n int) Option {
	return func(o *Options) {
		o.MaxAttempts = n
	}
}

// WithTimeout sets the maximum execution duration for one executor call.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}

// WithDedupeKey sets the idempotency key for the job.
func WithDedupeKey(key string) Option {
	return func(o *Options) {
		o.DedupeKey = key
	}
}
