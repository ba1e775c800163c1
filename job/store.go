package job

import (
	"context"
	"time"

	"github.com/podworks/cadence/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// Kind filters by job kind. Empty means all kinds.
	Kind Kind
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// Kind filters by job kind. Empty means all kinds.
	Kind Kind
	// State filters by job state. Empty means all states.
	State State
	// OwnerKey filters by owner. Empty means all owners.
	OwnerKey string
}

// Store defines the persistence contract for jobs. The store exclusively
// owns job records; all components mutate jobs through it, never through
// shared memory.
//
// ClaimJob and TransitionJob are compare-and-swap operations keyed by job
// id and expected current state. Two dispatcher instances racing on the
// same job see exactly one winner; the loser gets cadence.ErrStoreConflict.
type Store interface {
	// CreateJob persists a new job. Returns cadence.ErrJobAlreadyExists if
	// a job with the same ID exists.
	CreateJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// DueJobs returns up to limit jobs in delayed or queued state whose
	// ScheduledFor is not after now, restricted to the given kinds (no
	// restriction if empty). Ordered by ScheduledFor ascending with job ID
	// as the FIFO tie-break.
	DueJobs(ctx context.Context, now time.Time, limit int, kinds ...Kind) ([]*Job, error)

	// ClaimJob atomically transitions a job from queued to active and
	// stamps StartedAt. Returns cadence.ErrStoreConflict if the job is not
	// currently queued (another instance claimed it, or it was cancelled).
	ClaimJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// TransitionJob persists j if and only if the stored state still equals
	// from. j.State already holds the target state. Returns
	// cadence.ErrStoreConflict on a lost race.
	TransitionJob(ctx context.Context, j *Job, from State) error

	// CancelCampaign transitions every non-terminal job of the campaign to
	// cancelled and returns the number of jobs affected.
	CancelCampaign(ctx context.Context, campaignID id.CampaignID) (int64, error)

	// FindActiveByDedupeKey returns the non-terminal job carrying the given
	// dedupe key, or cadence.ErrJobNotFound if no such job exists.
	FindActiveByDedupeKey(ctx context.Context, key string) (*Job, error)

	// ListJobsByCampaign returns jobs belonging to the campaign.
	ListJobsByCampaign(ctx context.Context, campaignID id.CampaignID, opts ListOpts) ([]*Job, error)

	// ListJobsByState returns jobs matching the given state.
	ListJobsByState(ctx context.Context, state State, opts ListOpts) ([]*Job, error)

	// CountJobs returns the number of jobs matching the given options.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)

	// StateCounts returns the number of jobs per state. Computed from the
	// store on every call; never cached.
	StateCounts(ctx context.Context) (map[State]int64, error)

	// LatestScheduledFor returns the most recent ScheduledFor among the
	// owner's jobs of the given kind, terminal or not: spacing is measured
	// against when the owner's last same-kind action was placed, regardless
	// of how it turned out. The zero time means the owner has never had
	// one scheduled.
	LatestScheduledFor(ctx context.Context, ownerKey string, kind Kind) (time.Time, error)
}
