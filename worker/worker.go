// Package worker executes claimed jobs on a fixed-size pool. Each run
// invokes the registered executor through the middleware chain, classifies
// the outcome, and commits the resulting state transition with a
// compare-and-swap against the job's active state; a job cancelled while
// in flight has its result discarded, never committed.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/podworks/cadence"
	"github.com/podworks/cadence/backoff"
	"github.com/podworks/cadence/job"
	"github.com/podworks/cadence/middleware"
)

// RetryPolicy decides whether a transiently failed job gets another
// attempt and when. j.Attempts already counts the failure being handled.
type RetryPolicy interface {
	NextRetry(j *job.Job, now time.Time) (time.Time, bool)
}

// MaxAttemptsPolicy retries with backoff until the job's attempt ceiling.
type MaxAttemptsPolicy struct {
	Strategy backoff.Strategy
}

// NextRetry implements RetryPolicy.
func (p MaxAttemptsPolicy) NextRetry(j *job.Job, now time.Time) (time.Time, bool) {
	if j.Attempts >= j.MaxAttempts {
		return time.Time{}, false
	}
	return now.Add(p.Strategy.Delay(j.Attempts)), true
}

// Emitter receives execution lifecycle notifications.
type Emitter interface {
	EmitJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration)
	EmitJobFailed(ctx context.Context, j *job.Job, jobErr error)
	EmitJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time)
}

type noopEmitter struct{}

func (noopEmitter) EmitJobCompleted(context.Context, *job.Job, time.Duration) {}
func (noopEmitter) EmitJobFailed(context.Context, *job.Job, error)            {}
func (noopEmitter) EmitJobRetrying(context.Context, *job.Job, int, time.Time) {}

// Runner executes one job end to end: middleware chain, executor call,
// outcome classification, state commit.
type Runner struct {
	store    job.Store
	registry *job.Registry
	chain    middleware.Middleware
	retry    RetryPolicy
	emitter  Emitter
	logger   *slog.Logger
	now      func() time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithMiddleware installs the middleware chain wrapped around every
// executor call.
func WithMiddleware(mws ...middleware.Middleware) RunnerOption {
	return func(r *Runner) { r.chain = middleware.Chain(mws...) }
}

// WithRetryPolicy overrides the default max-attempts policy.
func WithRetryPolicy(p RetryPolicy) RunnerOption {
	return func(r *Runner) { r.retry = p }
}

// WithEmitter attaches a lifecycle listener.
func WithEmitter(e Emitter) RunnerOption {
	return func(r *Runner) { r.emitter = e }
}

// WithLogger sets the runner's logger.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// WithNow overrides the runner's clock.
func WithNow(fn func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = fn }
}

// NewRunner builds a Runner. The registry must already hold an executor
// for every kind the runner will see.
func NewRunner(store job.Store, registry *job.Registry, opts ...RunnerOption) (*Runner, error) {
	if store == nil {
		return nil, cadence.ErrNoStore
	}
	if registry == nil {
		return nil, fmt.Errorf("%w: runner requires an executor registry", cadence.ErrConfiguration)
	}
	r := &Runner{
		store:    store,
		registry: registry,
		chain:    middleware.Chain(),
		retry:    MaxAttemptsPolicy{Strategy: backoff.DefaultStrategy()},
		emitter:  noopEmitter{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run executes j, which must be in state active. The terminal commit is
// conditioned on the job still being active; a lost race means the job
// was cancelled mid-flight and the result is dropped.
func (r *Runner) Run(ctx context.Context, j *job.Job) {
	exec, ok := r.registry.Get(j.Kind)
	if !ok {
		j.Attempts++
		r.fail(ctx, j, job.Permanent(fmt.Errorf("%w: %q", cadence.ErrNoExecutor, j.Kind)))
		return
	}

	start := r.now()
	execErr := r.chain(ctx, j, func(ctx context.Context) error {
		return exec.Execute(ctx, j)
	})
	elapsed := r.now().Sub(start)

	switch job.Classify(execErr) {
	case job.OutcomeSuccess:
		r.complete(ctx, j, elapsed)
	case job.OutcomePermanent:
		j.Attempts++
		r.fail(ctx, j, execErr)
	default:
		j.Attempts++
		r.reschedule(ctx, j, execErr)
	}
}

func (r *Runner) complete(ctx context.Context, j *job.Job, elapsed time.Duration) {
	now := r.now()
	j.State = job.StateCompleted
	j.CompletedAt = &now
	j.LastError = ""
	if !r.commit(ctx, j) {
		return
	}
	r.emitter.EmitJobCompleted(ctx, j, elapsed)
	r.logger.Info("job completed",
		slog.String("job_id", j.ID.String()),
		slog.String("kind", string(j.Kind)),
		slog.Duration("elapsed", elapsed),
	)
}

// fail commits the failed state. The caller has already counted the
// attempt.
func (r *Runner) fail(ctx context.Context, j *job.Job, execErr error) {
	now := r.now()
	j.State = job.StateFailed
	j.CompletedAt = &now
	j.LastError = execErr.Error()
	if !r.commit(ctx, j) {
		return
	}
	r.emitter.EmitJobFailed(ctx, j, execErr)
	r.logger.Warn("job failed",
		slog.String("job_id", j.ID.String()),
		slog.String("kind", string(j.Kind)),
		slog.Int("attempts", j.Attempts),
		slog.String("error", execErr.Error()),
	)
}

// reschedule plans the next attempt after a transient failure, or fails
// the job when the retry budget is spent. The caller has already counted
// the attempt.
func (r *Runner) reschedule(ctx context.Context, j *job.Job, execErr error) {
	next, ok := r.retry.NextRetry(j, r.now())
	if !ok {
		r.fail(ctx, j, fmt.Errorf("%w after %d attempts: %v",
			cadence.ErrMaxAttemptsReached, j.Attempts, execErr))
		return
	}
	j.State = job.StateDelayed
	j.ScheduledFor = next
	j.StartedAt = nil
	j.LastError = execErr.Error()
	if !r.commit(ctx, j) {
		return
	}
	r.emitter.EmitJobRetrying(ctx, j, j.Attempts, next)
	r.logger.Info("job retry scheduled",
		slog.String("job_id", j.ID.String()),
		slog.String("kind", string(j.Kind)),
		slog.Int("attempt", j.Attempts),
		slog.Time("next_run", next),
		slog.String("error", execErr.Error()),
	)
}

// commit persists j's transition out of active. Returns false when the
// job is no longer active (cancelled while running); the result is
// discarded in that case.
func (r *Runner) commit(ctx context.Context, j *job.Job) bool {
	err := r.store.TransitionJob(ctx, j, job.StateActive)
	if err == nil {
		return true
	}
	if errors.Is(err, cadence.ErrStoreConflict) {
		r.logger.Debug("result discarded, job no longer active",
			slog.String("job_id", j.ID.String()),
		)
		return false
	}
	r.logger.Error("state commit failed",
		slog.String("job_id", j.ID.String()),
		slog.Any("error", err),
	)
	return false
}
