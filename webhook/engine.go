package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/podworks/cadence"
	"github.com/podworks/cadence/dispatch"
	"github.com/podworks/cadence/id"
	"github.com/podworks/cadence/job"
	"github.com/podworks/cadence/worker"
)

// Engine runs delivery jobs end to end: its own dispatcher restricted to
// delivery traffic, its own worker pool, the per-destination limiter, and
// the window-bounded retry policy. It shares the job store with the core
// engine but never touches the core's jobs.
type Engine struct {
	store      job.Store
	log        AttemptLog
	sender     *Sender
	dispatcher *dispatch.Dispatcher
	pool       *worker.Pool
	logger     *slog.Logger

	concurrency  int
	drainTimeout time.Duration
	rps          float64
	burst        int
	pollInterval time.Duration
	policy       WindowPolicy
	senderOpts   []SenderOption
	dispatchEmit dispatch.Emitter
	workerEmit   worker.Emitter
}

// EngineOption configures the delivery engine.
type EngineOption func(*Engine)

// WithConcurrency sets the number of parallel deliveries. Defaults to 4.
func WithConcurrency(n int) EngineOption {
	return func(e *Engine) { e.concurrency = n }
}

// WithDestinationRate caps requests per second and burst per destination
// host. Defaults to 2 rps with a burst of 4.
func WithDestinationRate(rps float64, burst int) EngineOption {
	return func(e *Engine) { e.rps, e.burst = rps, burst }
}

// WithPollInterval sets the delivery dispatcher's poll tick.
func WithPollInterval(d time.Duration) EngineOption {
	return func(e *Engine) { e.pollInterval = d }
}

// WithRetryPolicy overrides the default 24 hour window policy.
func WithRetryPolicy(p WindowPolicy) EngineOption {
	return func(e *Engine) { e.policy = p }
}

// WithSenderOptions forwards options to the underlying Sender.
func WithSenderOptions(opts ...SenderOption) EngineOption {
	return func(e *Engine) { e.senderOpts = append(e.senderOpts, opts...) }
}

// WithDispatchEmitter attaches a dispatcher lifecycle listener.
func WithDispatchEmitter(em dispatch.Emitter) EngineOption {
	return func(e *Engine) { e.dispatchEmit = em }
}

// WithWorkerEmitter attaches an execution lifecycle listener.
func WithWorkerEmitter(em worker.Emitter) EngineOption {
	return func(e *Engine) { e.workerEmit = em }
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine builds the delivery engine on top of store. Signer may be nil
// for unsigned deliveries.
func NewEngine(store job.Store, signer Signer, log AttemptLog, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, cadence.ErrNoStore
	}
	if log == nil {
		return nil, fmt.Errorf("%w: delivery engine requires an attempt log", cadence.ErrConfiguration)
	}
	e := &Engine{
		store:        store,
		log:          log,
		logger:       slog.Default(),
		concurrency:  4,
		drainTimeout: cadence.DefaultConfig().ShutdownTimeout,
		rps:          2,
		burst:        4,
		pollInterval: cadence.DefaultConfig().PollInterval,
		policy:       DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(e)
	}

	sender, err := NewSender(signer, log, append([]SenderOption{WithSenderLogger(e.logger)}, e.senderOpts...)...)
	if err != nil {
		return nil, err
	}
	e.sender = sender

	registry := job.NewRegistry()
	if err := registry.Register(job.KindDeliverWebhook, sender); err != nil {
		return nil, err
	}

	runnerOpts := []worker.RunnerOption{
		worker.WithRetryPolicy(e.policy),
		worker.WithLogger(e.logger),
	}
	if e.workerEmit != nil {
		runnerOpts = append(runnerOpts, worker.WithEmitter(e.workerEmit))
	}
	runner, err := worker.NewRunner(store, registry, runnerOpts...)
	if err != nil {
		return nil, err
	}
	pool, err := worker.NewPool(runner, e.concurrency, e.logger)
	if err != nil {
		return nil, err
	}
	e.pool = pool

	limiter, err := NewDestinationLimiter(e.rps, e.burst)
	if err != nil {
		return nil, err
	}
	dispatchOpts := []dispatch.Option{
		dispatch.WithKinds(job.KindDeliverWebhook),
		dispatch.WithAdmitter(limiter),
		dispatch.WithPollInterval(e.pollInterval),
		dispatch.WithLogger(e.logger),
	}
	if e.dispatchEmit != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithEmitter(e.dispatchEmit))
	}
	dispatcher, err := dispatch.New(store, pool, dispatchOpts...)
	if err != nil {
		return nil, err
	}
	e.dispatcher = dispatcher
	return e, nil
}

// Enqueue schedules delivery of body to endpoint for the named event.
// The destination host becomes the job's owner key so the per-destination
// limiter can meter it.
func (e *Engine) Enqueue(ctx context.Context, endpoint, event string, body []byte) (id.JobID, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return id.JobID{}, fmt.Errorf("%w: invalid webhook endpoint %q", cadence.ErrConfiguration, endpoint)
	}
	payload, err := json.Marshal(job.WebhookPayload{Endpoint: endpoint, Event: event, Body: body})
	if err != nil {
		return id.JobID{}, fmt.Errorf("encode webhook payload: %w", err)
	}
	j := &job.Job{
		Entity:       cadence.NewEntity(),
		ID:           id.NewJobID(),
		Kind:         job.KindDeliverWebhook,
		Payload:      payload,
		OwnerKey:     u.Host,
		State:        job.StateDelayed,
		ScheduledFor: time.Now(),
		// Retry budget is the time window, not an attempt count.
		MaxAttempts: 0,
	}
	if err := e.store.CreateJob(ctx, j); err != nil {
		return id.JobID{}, err
	}
	e.logger.Info("delivery enqueued",
		slog.String("job_id", j.ID.String()),
		slog.String("endpoint", endpoint),
		slog.String("event", event),
	)
	return j.ID, nil
}

// Attempts returns the audit log for one delivery job.
func (e *Engine) Attempts(ctx context.Context, jobID id.JobID) ([]*Attempt, error) {
	return e.log.ListAttempts(ctx, jobID)
}

// Start launches the delivery dispatcher.
func (e *Engine) Start(ctx context.Context) error {
	return e.dispatcher.Start(ctx)
}

// Stop halts dispatch and drains in-flight deliveries.
func (e *Engine) Stop() error {
	e.dispatcher.Stop()
	return e.pool.Drain(e.drainTimeout)
}

// Pause stops new deliveries without stopping the engine.
func (e *Engine) Pause() { e.dispatcher.Pause() }

// Resume re-enables deliveries.
func (e *Engine) Resume() { e.dispatcher.Resume() }
