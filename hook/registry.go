package hook

import (
	"context"
	"log/slog"
	"time"

	"github.com/podworks/cadence/job"
	"github.com/podworks/cadence/webhook"
)

// Named entry types pair a hook implementation with the listener name
// captured at registration time. This avoids type-asserting back to
// Listener inside the emit methods.
type jobEnqueuedEntry struct {
	name string
	hook JobEnqueued
}

type jobStartedEntry struct {
	name string
	hook JobStarted
}

type jobCompletedEntry struct {
	name string
	hook JobCompleted
}

type jobFailedEntry struct {
	name string
	hook JobFailed
}

type jobRetryingEntry struct {
	name string
	hook JobRetrying
}

type jobDeferredEntry struct {
	name string
	hook JobDeferred
}

type jobCancelledEntry struct {
	name string
	hook JobCancelled
}

type deliveryAttemptedEntry struct {
	name string
	hook DeliveryAttempted
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered listeners and dispatches lifecycle events to
// them. It type-caches listeners at registration time so emit calls
// iterate only over listeners that implement the relevant hook.
//
// Registry satisfies the emitter interfaces declared by the dispatch,
// worker, and webhook packages; the engine wires it in at build time.
type Registry struct {
	listeners []Listener
	logger    *slog.Logger

	// Type-cached slices for each lifecycle hook.
	jobEnqueued       []jobEnqueuedEntry
	jobStarted        []jobStartedEntry
	jobCompleted      []jobCompletedEntry
	jobFailed         []jobFailedEntry
	jobRetrying       []jobRetryingEntry
	jobDeferred       []jobDeferredEntry
	jobCancelled      []jobCancelledEntry
	deliveryAttempted []deliveryAttemptedEntry
	shutdown          []shutdownEntry
}

// NewRegistry creates a hook registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds a listener and type-asserts it into all applicable hook
// caches. Listeners are notified in registration order.
func (r *Registry) Register(l Listener) {
	r.listeners = append(r.listeners, l)
	name := l.Name()

	if h, ok := l.(JobEnqueued); ok {
		r.jobEnqueued = append(r.jobEnqueued, jobEnqueuedEntry{name, h})
	}
	if h, ok := l.(JobStarted); ok {
		r.jobStarted = append(r.jobStarted, jobStartedEntry{name, h})
	}
	if h, ok := l.(JobCompleted); ok {
		r.jobCompleted = append(r.jobCompleted, jobCompletedEntry{name, h})
	}
	if h, ok := l.(JobFailed); ok {
		r.jobFailed = append(r.jobFailed, jobFailedEntry{name, h})
	}
	if h, ok := l.(JobRetrying); ok {
		r.jobRetrying = append(r.jobRetrying, jobRetryingEntry{name, h})
	}
	if h, ok := l.(JobDeferred); ok {
		r.jobDeferred = append(r.jobDeferred, jobDeferredEntry{name, h})
	}
	if h, ok := l.(JobCancelled); ok {
		r.jobCancelled = append(r.jobCancelled, jobCancelledEntry{name, h})
	}
	if h, ok := l.(DeliveryAttempted); ok {
		r.deliveryAttempted = append(r.deliveryAttempted, deliveryAttemptedEntry{name, h})
	}
	if h, ok := l.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Listeners returns all registered listeners.
func (r *Registry) Listeners() []Listener { return r.listeners }

// ──────────────────────────────────────────────────
// Job event emitters
// ──────────────────────────────────────────────────

// EmitJobEnqueued notifies all listeners that implement JobEnqueued.
func (r *Registry) EmitJobEnqueued(ctx context.Context, j *job.Job) {
	for _, e := range r.jobEnqueued {
		if err := e.hook.OnJobEnqueued(ctx, j); err != nil {
			r.logHookError("OnJobEnqueued", e.name, err)
		}
	}
}

// EmitJobStarted notifies all listeners that implement JobStarted.
func (r *Registry) EmitJobStarted(ctx context.Context, j *job.Job) {
	for _, e := range r.jobStarted {
		if err := e.hook.OnJobStarted(ctx, j); err != nil {
			r.logHookError("OnJobStarted", e.name, err)
		}
	}
}

// EmitJobCompleted notifies all listeners that implement JobCompleted.
func (r *Registry) EmitJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) {
	for _, e := range r.jobCompleted {
		if err := e.hook.OnJobCompleted(ctx, j, elapsed); err != nil {
			r.logHookError("OnJobCompleted", e.name, err)
		}
	}
}

// EmitJobFailed notifies all listeners that implement JobFailed.
func (r *Registry) EmitJobFailed(ctx context.Context, j *job.Job, jobErr error) {
	for _, e := range r.jobFailed {
		if err := e.hook.OnJobFailed(ctx, j, jobErr); err != nil {
			r.logHookError("OnJobFailed", e.name, err)
		}
	}
}

// EmitJobRetrying notifies all listeners that implement JobRetrying.
func (r *Registry) EmitJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time) {
	for _, e := range r.jobRetrying {
		if err := e.hook.OnJobRetrying(ctx, j, attempt, nextRunAt); err != nil {
			r.logHookError("OnJobRetrying", e.name, err)
		}
	}
}

// EmitJobDeferred notifies all listeners that implement JobDeferred.
func (r *Registry) EmitJobDeferred(ctx context.Context, j *job.Job, resetAt time.Time) {
	for _, e := range r.jobDeferred {
		if err := e.hook.OnJobDeferred(ctx, j, resetAt); err != nil {
			r.logHookError("OnJobDeferred", e.name, err)
		}
	}
}

// EmitJobCancelled notifies all listeners that implement JobCancelled.
func (r *Registry) EmitJobCancelled(ctx context.Context, j *job.Job) {
	for _, e := range r.jobCancelled {
		if err := e.hook.OnJobCancelled(ctx, j); err != nil {
			r.logHookError("OnJobCancelled", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Webhook / engine emitters
// ──────────────────────────────────────────────────

// EmitDeliveryAttempted notifies all listeners that implement DeliveryAttempted.
func (r *Registry) EmitDeliveryAttempted(ctx context.Context, a *webhook.Attempt) {
	for _, e := range r.deliveryAttempted {
		if err := e.hook.OnDeliveryAttempted(ctx, a); err != nil {
			r.logHookError("OnDeliveryAttempted", e.name, err)
		}
	}
}

// EmitShutdown notifies all listeners that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated; they must not block dispatch.
func (r *Registry) logHookError(hookName, listenerName string, err error) {
	r.logger.Warn("lifecycle hook error",
		slog.String("hook", hookName),
		slog.String("listener", listenerName),
		slog.String("error", err.Error()),
	)
}
