// Package dispatch runs the poll loop that moves jobs through the queue:
// due delayed jobs are promoted to queued, queued jobs are checked against
// the rate limiter and either claimed for a worker slot or pushed back,
// and control operations (pause, resume, cancel-by-campaign) flip the
// loop's behavior without stopping the process.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/podworks/cadence"
	"github.com/podworks/cadence/id"
	"github.com/podworks/cadence/job"
	"github.com/podworks/cadence/ratelimit"
)

// Admitter decides whether a job may consume owner quota right now.
// Denial is a deferral, not an error.
type Admitter interface {
	TryAdmit(ctx context.Context, ownerKey string, kind job.Kind, cost int) (ratelimit.Decision, error)
}

// Sink receives claimed jobs. Reserve blocks until an execution slot is
// free (or ctx is done); Start consumes one reservation and runs the job
// asynchronously; Unreserve returns an unused reservation.
type Sink interface {
	Reserve(ctx context.Context) error
	Start(j *job.Job)
	Unreserve()
}

// Emitter receives dispatcher lifecycle notifications.
type Emitter interface {
	EmitJobStarted(ctx context.Context, j *job.Job)
	EmitJobDeferred(ctx context.Context, j *job.Job, resetAt time.Time)
	EmitJobCancelled(ctx context.Context, j *job.Job)
}

type noopEmitter struct{}

func (noopEmitter) EmitJobStarted(context.Context, *job.Job)             {}
func (noopEmitter) EmitJobDeferred(context.Context, *job.Job, time.Time) {}
func (noopEmitter) EmitJobCancelled(context.Context, *job.Job)           {}

// Dispatcher is the single decision-making loop over job selection and
// admission. Run one per engine; multiple process instances coordinate
// through the store's compare-and-swap claims, never through memory.
type Dispatcher struct {
	store    job.Store
	admitter Admitter
	sink     Sink
	emitter  Emitter
	logger   *slog.Logger

	kinds    []job.Kind
	interval time.Duration
	batch    int
	recheck  time.Duration

	paused atomic.Bool

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithAdmitter installs the rate-limit admission oracle. Without one,
// every job is admitted.
func WithAdmitter(a Admitter) Option {
	return func(d *Dispatcher) { d.admitter = a }
}

// WithEmitter attaches a lifecycle listener.
func WithEmitter(e Emitter) Option {
	return func(d *Dispatcher) { d.emitter = e }
}

// WithKinds restricts the dispatcher to the given job kinds. The webhook
// engine uses this to claim only its own traffic.
func WithKinds(kinds ...job.Kind) Option {
	return func(d *Dispatcher) { d.kinds = kinds }
}

// WithPollInterval sets the poll tick.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Dispatcher) { d.interval = interval }
}

// WithBatchSize caps how many due jobs one tick pulls.
func WithBatchSize(n int) Option {
	return func(d *Dispatcher) { d.batch = n }
}

// WithAdmissionRecheck caps how long a denied job waits before the next
// admission check, even when the limiter's window resets later.
func WithAdmissionRecheck(d time.Duration) Option {
	return func(dp *Dispatcher) { dp.recheck = d }
}

// WithLogger sets the dispatcher's logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New builds a Dispatcher feeding claimed jobs into sink.
func New(store job.Store, sink Sink, opts ...Option) (*Dispatcher, error) {
	if store == nil {
		return nil, cadence.ErrNoStore
	}
	if sink == nil {
		return nil, fmt.Errorf("%w: dispatcher requires a sink", cadence.ErrConfiguration)
	}
	cfg := cadence.DefaultConfig()
	d := &Dispatcher{
		store:    store,
		sink:     sink,
		emitter:  noopEmitter{},
		logger:   slog.Default(),
		interval: cfg.PollInterval,
		batch:    cfg.DispatchBatch,
		recheck:  cfg.AdmissionRecheck,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Start launches the poll loop. Returns an error if already running.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return fmt.Errorf("%w: dispatcher already started", cadence.ErrConfiguration)
	}
	d.started = true
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	go d.loop(ctx)
	return nil
}

// Stop halts the poll loop and waits for it to exit. Jobs already handed
// to the sink keep running; the sink owns their drain.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	close(d.stopCh)
	done := d.doneCh
	d.mu.Unlock()
	<-done
}

// Pause stops new dispatch. Polling continues so delayed jobs are still
// promoted to queued, but nothing new reaches a worker slot.
func (d *Dispatcher) Pause() {
	if d.paused.CompareAndSwap(false, true) {
		d.logger.Info("dispatch paused")
	}
}

// Resume re-enables dispatch.
func (d *Dispatcher) Resume() {
	if d.paused.CompareAndSwap(true, false) {
		d.logger.Info("dispatch resumed")
	}
}

// Paused reports whether dispatch is currently paused.
func (d *Dispatcher) Paused() bool {
	return d.paused.Load()
}

// CancelCampaign transitions every non-terminal job of the campaign to
// cancelled and returns the number affected. Active jobs finish their
// in-flight executor call; the worker discards the result when it finds
// the job no longer active.
func (d *Dispatcher) CancelCampaign(ctx context.Context, campaignID id.CampaignID) (int64, error) {
	jobs, err := d.store.ListJobsByCampaign(ctx, campaignID, job.ListOpts{})
	if err != nil {
		return 0, err
	}
	n, err := d.store.CancelCampaign(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	for _, j := range jobs {
		if j.State.Terminal() {
			continue
		}
		j.State = job.StateCancelled
		d.emitter.EmitJobCancelled(ctx, j)
	}
	d.logger.Info("campaign cancelled",
		slog.String("campaign_id", campaignID.String()),
		slog.Int64("jobs_cancelled", n),
	)
	return n, nil
}

// Snapshot is the status report: per-state job counts plus the limiter's
// per-owner counter view. Always computed fresh from the store.
type Snapshot struct {
	Paused bool
	States map[job.State]int64
	Owners map[string][]ratelimit.Counter
}

// Status assembles a point-in-time snapshot.
func (d *Dispatcher) Status(ctx context.Context) (*Snapshot, error) {
	states, err := d.store.StateCounts(ctx)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		Paused: d.paused.Load(),
		States: states,
	}
	if l, ok := d.admitter.(*ratelimit.Limiter); ok && l != nil {
		owners, err := l.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		snap.Owners = owners
	}
	return snap, nil
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.doneCh)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// Tick runs one dispatch pass. Exposed for the engine's tests; the poll
// loop calls it on every tick.
func (d *Dispatcher) Tick(ctx context.Context) {
	d.tick(ctx)
}

func (d *Dispatcher) tick(ctx context.Context) {
	due, err := d.store.DueJobs(ctx, time.Now(), d.batch, d.kinds...)
	if err != nil {
		d.logger.Error("due job scan failed", slog.Any("error", err))
		return
	}
	for _, j := range due {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		d.dispatchOne(ctx, j)
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, j *job.Job) {
	if j.State == job.StateDelayed {
		if err := d.promote(ctx, j); err != nil {
			if !errors.Is(err, cadence.ErrStoreConflict) {
				d.logger.Error("promote failed",
					slog.String("job_id", j.ID.String()),
					slog.Any("error", err),
				)
			}
			return
		}
	}
	if d.paused.Load() {
		return
	}

	if d.admitter != nil {
		dec, err := d.admitter.TryAdmit(ctx, j.OwnerKey, j.Kind, 1)
		if err != nil {
			d.logger.Error("admission check failed",
				slog.String("job_id", j.ID.String()),
				slog.Any("error", err),
			)
			return
		}
		if !dec.Admitted {
			d.redelay(ctx, j, dec.ResetAt)
			return
		}
		// The admitted unit stays spent even if the claim below is lost
		// to a concurrent cancel or another instance. Losing a unit only
		// under-admits; count never exceeds max.
	}

	if err := d.sink.Reserve(ctx); err != nil {
		return
	}
	claimed, err := d.store.ClaimJob(ctx, j.ID)
	if err != nil {
		d.sink.Unreserve()
		if !errors.Is(err, cadence.ErrStoreConflict) && !errors.Is(err, cadence.ErrJobNotFound) {
			d.logger.Error("claim failed",
				slog.String("job_id", j.ID.String()),
				slog.Any("error", err),
			)
		}
		return
	}
	d.emitter.EmitJobStarted(ctx, claimed)
	d.sink.Start(claimed)
}

// promote moves a due delayed job to queued without touching its attempt
// counter. A conflict here means another instance promoted or cancelled
// the job first; the caller skips it and picks up the result next tick.
func (d *Dispatcher) promote(ctx context.Context, j *job.Job) error {
	j.State = job.StateQueued
	return d.store.TransitionJob(ctx, j, job.StateDelayed)
}

// redelay pushes a denied job back to delayed with ScheduledFor set to
// the limiter's reset or the recheck interval, whichever comes first. The
// attempt counter is untouched: denial is not a failure.
func (d *Dispatcher) redelay(ctx context.Context, j *job.Job, resetAt time.Time) {
	next := time.Now().Add(d.recheck)
	if !resetAt.IsZero() && resetAt.Before(next) {
		next = resetAt
	}
	j.State = job.StateDelayed
	j.ScheduledFor = next
	err := retryConflict(func() error {
		return d.store.TransitionJob(ctx, j, job.StateQueued)
	})
	if err != nil {
		if !errors.Is(err, cadence.ErrStoreConflict) {
			d.logger.Error("re-delay failed",
				slog.String("job_id", j.ID.String()),
				slog.Any("error", err),
			)
		}
		return
	}
	d.emitter.EmitJobDeferred(ctx, j, next)
	d.logger.Debug("admission denied, job re-delayed",
		slog.String("job_id", j.ID.String()),
		slog.String("owner_key", j.OwnerKey),
		slog.Time("next_check", next),
	)
}

const (
	conflictRetries  = 3
	conflictDelayMin = 5 * time.Millisecond
	conflictDelayMax = 25 * time.Millisecond
)

// retryConflict re-runs fn on store conflicts with a short random delay.
// After the retry budget the conflict escalates to a configuration error:
// persistent CAS failure points at a broken store, not a lost race.
func retryConflict(fn func() error) error {
	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, cadence.ErrStoreConflict) {
			return err
		}
		if attempt < conflictRetries-1 {
			spread := int64(conflictDelayMax - conflictDelayMin)
			time.Sleep(conflictDelayMin + time.Duration(rand.Int64N(spread)))
		}
	}
	return fmt.Errorf("%w: store conflict persisted across %d attempts: %v",
		cadence.ErrConfiguration, conflictRetries, err)
}
