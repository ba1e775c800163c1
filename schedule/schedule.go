// Package schedule turns a trigger event into a batch of individually
// timed jobs. Given N intended actions for one trigger (say, pod members
// engaging with a freshly published post), the planner spreads them over a
// randomized window so the resulting cadence looks organic rather than
// scripted, honors a minimum spacing between a single owner's actions of
// the same kind, and never schedules past a campaign's end time.
//
// Planning is idempotent per (campaign, post, owner, kind): re-running the
// same trigger skips actions that already have a live job.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sort"
	"time"

	"github.com/podworks/cadence"
	"github.com/podworks/cadence/campaign"
	"github.com/podworks/cadence/id"
	"github.com/podworks/cadence/job"
)

// Window bounds the randomized delay assigned to a single action,
// measured from the trigger time.
type Window struct {
	Min time.Duration
	Max time.Duration
}

// Default spread windows per action kind. Likes land quickly, comments
// trickle in over hours, messages sit in between.
var defaultWindows = map[job.Kind]Window{
	job.KindLikePost:    {Min: 5 * time.Minute, Max: 30 * time.Minute},
	job.KindCommentPost: {Min: 1 * time.Hour, Max: 6 * time.Hour},
	job.KindSendMessage: {Min: 2 * time.Minute, Max: 2 * time.Hour},
}

// Trigger identifies the event a batch of actions responds to. PostRef
// scopes the idempotency key so the same pod can engage with many posts
// of one campaign.
type Trigger struct {
	CampaignID id.CampaignID
	PostRef    string
	Kind       job.Kind

	// Window overrides the kind's default spread when non-zero.
	Window Window
}

// Action is one intended unit of work within a trigger's batch.
type Action struct {
	OwnerKey    string
	Payload     []byte
	MaxAttempts int
	Timeout     time.Duration
}

// Planner computes per-action schedules and inserts the resulting jobs.
type Planner struct {
	store      job.Store
	campaigns  campaign.Store
	logger     *slog.Logger
	emitter    Emitter
	minSpacing time.Duration
	now        func() time.Time
	rnd        *rand.Rand
}

// Emitter receives a notification for every job the planner inserts.
type Emitter interface {
	EmitJobEnqueued(ctx context.Context, j *job.Job)
}

// Option configures a Planner.
type Option func(*Planner)

// WithCampaignStore enables end-time clamping for campaign-bound triggers.
func WithCampaignStore(cs campaign.Store) Option {
	return func(p *Planner) { p.campaigns = cs }
}

// WithEmitter attaches a listener notified after each inserted job.
func WithEmitter(e Emitter) Option {
	return func(p *Planner) { p.emitter = e }
}

// WithMinSpacing sets the minimum gap between one owner's consecutive
// actions of the same kind. Defaults to 3 minutes.
func WithMinSpacing(d time.Duration) Option {
	return func(p *Planner) { p.minSpacing = d }
}

// WithLogger sets the planner's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Planner) { p.logger = l }
}

// WithNow overrides the planner's clock.
func WithNow(fn func() time.Time) Option {
	return func(p *Planner) { p.now = fn }
}

// WithRand overrides the planner's randomness source.
func WithRand(r *rand.Rand) Option {
	return func(p *Planner) { p.rnd = r }
}

// NewPlanner builds a Planner backed by the given job store.
func NewPlanner(store job.Store, opts ...Option) (*Planner, error) {
	if store == nil {
		return nil, cadence.ErrNoStore
	}
	p := &Planner{
		store:      store,
		logger:     slog.Default(),
		minSpacing: 3 * time.Minute,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// DedupeKey is the idempotency key a planned job carries:
// campaign, post, owner and kind joined with "|".
func DedupeKey(campaignID id.CampaignID, postRef, ownerKey string, kind job.Kind) string {
	return fmt.Sprintf("%s|%s|%s|%s", campaignID, postRef, ownerKey, kind)
}

// PlanBatch schedules one job per action and inserts them in state Delayed.
// Actions whose idempotency key already has a live job are skipped. The
// returned slice holds the IDs of the jobs actually created, in insertion
// order.
func (p *Planner) PlanBatch(ctx context.Context, trigger Trigger, actions []Action) ([]id.JobID, error) {
	if !trigger.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown action kind %q", cadence.ErrConfiguration, trigger.Kind)
	}
	if len(actions) == 0 {
		return nil, nil
	}

	window := trigger.Window
	if window.Max == 0 {
		window = defaultWindows[trigger.Kind]
	}
	if window.Max < window.Min {
		return nil, fmt.Errorf("%w: spread window max %s below min %s", cadence.ErrConfiguration, window.Max, window.Min)
	}

	base := p.now()
	notAfter, err := p.campaignDeadline(ctx, trigger.CampaignID)
	if err != nil {
		return nil, err
	}

	// Shuffle so owner order leaks nothing, then hand out sorted random
	// offsets so dispatch order within the batch is still monotone.
	batch := slices.Clone(actions)
	p.shuffle(batch)
	offsets := p.drawOffsets(len(batch), window)

	created := make([]id.JobID, 0, len(batch))
	for i, action := range batch {
		key := DedupeKey(trigger.CampaignID, trigger.PostRef, action.OwnerKey, trigger.Kind)

		existing, err := p.store.FindActiveByDedupeKey(ctx, key)
		if err != nil && !errors.Is(err, cadence.ErrJobNotFound) {
			return created, fmt.Errorf("dedupe lookup for %s: %w", key, err)
		}
		if existing != nil {
			p.logger.Debug("skipping duplicate action",
				slog.String("dedupe_key", key),
				slog.String("existing_job", existing.ID.String()),
			)
			continue
		}

		at := base.Add(offsets[i])
		at, err = p.respectSpacing(ctx, action.OwnerKey, trigger.Kind, at)
		if err != nil {
			return created, err
		}
		if !notAfter.IsZero() && at.After(notAfter) {
			at = notAfter
		}

		j := p.buildJob(trigger, action, key, at)
		if err := p.store.CreateJob(ctx, j); err != nil {
			return created, fmt.Errorf("create job for %s: %w", key, err)
		}
		if p.emitter != nil {
			p.emitter.EmitJobEnqueued(ctx, j)
		}
		created = append(created, j.ID)
	}

	p.logger.Info("batch planned",
		slog.String("campaign_id", trigger.CampaignID.String()),
		slog.String("kind", string(trigger.Kind)),
		slog.Int("requested", len(actions)),
		slog.Int("created", len(created)),
	)
	return created, nil
}

func (p *Planner) buildJob(trigger Trigger, action Action, key string, at time.Time) *job.Job {
	j := &job.Job{
		Entity:       cadence.NewEntity(),
		ID:           id.NewJobID(),
		Kind:         trigger.Kind,
		Payload:      action.Payload,
		OwnerKey:     action.OwnerKey,
		CampaignID:   trigger.CampaignID,
		DedupeKey:    key,
		State:        job.StateDelayed,
		ScheduledFor: at,
		MaxAttempts:  action.MaxAttempts,
		Timeout:      action.Timeout,
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = cadence.DefaultConfig().MaxAttempts
	}
	return j
}

// campaignDeadline returns the campaign's end time, or zero when the
// trigger is uncampaigned or no campaign store is configured.
func (p *Planner) campaignDeadline(ctx context.Context, campaignID id.CampaignID) (time.Time, error) {
	if campaignID.IsNil() || p.campaigns == nil {
		return time.Time{}, nil
	}
	c, err := p.campaigns.GetCampaign(ctx, campaignID)
	if err != nil {
		return time.Time{}, fmt.Errorf("campaign %s: %w", campaignID, err)
	}
	return c.EndAt, nil
}

// respectSpacing bumps at forward until it clears the owner's most
// recently scheduled action of the same kind by at least minSpacing.
func (p *Planner) respectSpacing(ctx context.Context, ownerKey string, kind job.Kind, at time.Time) (time.Time, error) {
	if p.minSpacing <= 0 {
		return at, nil
	}
	latest, err := p.store.LatestScheduledFor(ctx, ownerKey, kind)
	if err != nil {
		if errors.Is(err, cadence.ErrJobNotFound) {
			return at, nil
		}
		return at, fmt.Errorf("spacing lookup for owner %s: %w", ownerKey, err)
	}
	if floor := latest.Add(p.minSpacing); at.Before(floor) {
		return floor, nil
	}
	return at, nil
}

// drawOffsets produces n uniform random offsets inside the window,
// sorted ascending.
func (p *Planner) drawOffsets(n int, window Window) []time.Duration {
	span := window.Max - window.Min
	offsets := make([]time.Duration, n)
	for i := range offsets {
		offsets[i] = window.Min
		if span > 0 {
			offsets[i] += time.Duration(p.int64n(int64(span)))
		}
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	return offsets
}

func (p *Planner) shuffle(batch []Action) {
	swap := func(i, j int) { batch[i], batch[j] = batch[j], batch[i] }
	if p.rnd != nil {
		p.rnd.Shuffle(len(batch), swap)
		return
	}
	rand.Shuffle(len(batch), swap)
}

func (p *Planner) int64n(n int64) int64 {
	if p.rnd != nil {
		return p.rnd.Int64N(n)
	}
	return rand.Int64N(n)
}
