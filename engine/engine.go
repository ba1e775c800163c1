package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/podworks/cadence"
	"github.com/podworks/cadence/backoff"
	"github.com/podworks/cadence/campaign"
	"github.com/podworks/cadence/dispatch"
	"github.com/podworks/cadence/hook"
	"github.com/podworks/cadence/id"
	"github.com/podworks/cadence/job"
	"github.com/podworks/cadence/middleware"
	"github.com/podworks/cadence/observe"
	"github.com/podworks/cadence/ratelimit"
	"github.com/podworks/cadence/schedule"
	"github.com/podworks/cadence/store"
	"github.com/podworks/cadence/webhook"
	"github.com/podworks/cadence/worker"
)

// actionKinds are the kinds the core dispatcher handles. Delivery jobs are
// dispatched by the webhook sub-engine, which polls the same store with its
// own kind filter.
var actionKinds = []job.Kind{job.KindSendMessage, job.KindLikePost, job.KindCommentPost}

// defaultLimits returns the per-owner admission rules applied when the
// caller configures none. The numbers stay well under common platform
// anti-abuse thresholds.
func defaultLimits() map[job.Kind]ratelimit.Limit {
	return map[job.Kind]ratelimit.Limit{
		job.KindSendMessage: {Max: 100, Window: 24 * time.Hour},
		job.KindLikePost:    {Max: 200, Window: 24 * time.Hour},
		job.KindCommentPost: {Max: 50, Window: 24 * time.Hour},
	}
}

// Engine is the assembled scheduling and delivery system. Construct it
// with Build, register executors, then call Start.
type Engine struct {
	cfg    cadence.Config
	st     store.Store
	logger *slog.Logger

	registry   *job.Registry
	hooks      *hook.Registry
	limiter    *ratelimit.Limiter
	planner    *schedule.Planner
	dispatcher *dispatch.Dispatcher
	runner     *worker.Runner
	pool       *worker.Pool
	webhooks   *webhook.Engine

	mu      sync.Mutex
	started bool
}

// builder collects Build options before any component is constructed.
type builder struct {
	cfg            cadence.Config
	st             store.Store
	logger         *slog.Logger
	rules          map[job.Kind]ratelimit.Limit
	strategy       backoff.Strategy
	mws            []middleware.Middleware
	listeners      []hook.Listener
	signer         webhook.Signer
	webhookOpts    []webhook.EngineOption
	minSpacing     time.Duration
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	noMetrics      bool
}

// Option configures the engine at build time.
type Option func(*builder)

// WithStore sets the backing store. Required.
func WithStore(s store.Store) Option {
	return func(b *builder) { b.st = s }
}

// WithConfig replaces the default core configuration wholesale.
func WithConfig(cfg cadence.Config) Option {
	return func(b *builder) { b.cfg = cfg }
}

// WithConcurrency sets the worker pool size.
func WithConcurrency(n int) Option {
	return func(b *builder) { b.cfg.Concurrency = n }
}

// WithPollInterval sets how often the dispatcher scans for due jobs.
func WithPollInterval(d time.Duration) Option {
	return func(b *builder) { b.cfg.PollInterval = d }
}

// WithLogger sets the logger shared by all components.
func WithLogger(l *slog.Logger) Option {
	return func(b *builder) { b.logger = l }
}

// WithLimit sets the per-owner admission rule for one kind, replacing the
// default. Kinds without a rule are admitted unconditionally.
func WithLimit(kind job.Kind, limit ratelimit.Limit) Option {
	return func(b *builder) { b.rules[kind] = limit }
}

// WithLimits replaces the full admission rule set.
func WithLimits(rules map[job.Kind]ratelimit.Limit) Option {
	return func(b *builder) {
		b.rules = make(map[job.Kind]ratelimit.Limit, len(rules))
		for k, v := range rules {
			b.rules[k] = v
		}
	}
}

// WithBackoff sets the retry delay strategy for action jobs.
func WithBackoff(s backoff.Strategy) Option {
	return func(b *builder) { b.strategy = s }
}

// WithMiddleware appends middleware to the executor chain. User middleware
// runs inside the built-in stack, just before the timeout guard.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(b *builder) { b.mws = append(b.mws, mws...) }
}

// WithListener registers a lifecycle hook listener.
func WithListener(l hook.Listener) Option {
	return func(b *builder) { b.listeners = append(b.listeners, l) }
}

// WithSigner sets the collaborator that signs webhook payloads.
func WithSigner(s webhook.Signer) Option {
	return func(b *builder) { b.signer = s }
}

// WithWebhookOptions forwards options to the webhook sub-engine.
func WithWebhookOptions(opts ...webhook.EngineOption) Option {
	return func(b *builder) { b.webhookOpts = append(b.webhookOpts, opts...) }
}

// WithMinSpacing sets the planner's per-owner spacing floor.
func WithMinSpacing(d time.Duration) Option {
	return func(b *builder) { b.minSpacing = d }
}

// WithMeterProvider routes engine metrics through the given provider
// instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(b *builder) { b.meterProvider = mp }
}

// WithTracerProvider routes executor spans through the given provider
// instead of the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(b *builder) { b.tracerProvider = tp }
}

// WithoutMetrics disables the built-in metrics listener and middleware.
func WithoutMetrics() Option {
	return func(b *builder) { b.noMetrics = true }
}

// Build constructs and wires an Engine. It fails fast on invalid
// configuration; nothing runs until Start is called.
func Build(opts ...Option) (*Engine, error) {
	b := &builder{
		cfg:      cadence.DefaultConfig(),
		logger:   slog.Default(),
		rules:    defaultLimits(),
		strategy: backoff.DefaultStrategy(),
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.st == nil {
		return nil, cadence.ErrNoStore
	}
	if err := b.cfg.Validate(); err != nil {
		return nil, err
	}

	hooks := hook.NewRegistry(b.logger)
	for _, l := range b.listeners {
		hooks.Register(l)
	}
	if !b.noMetrics {
		ml, err := buildMetricsListener(b.meterProvider)
		if err != nil {
			return nil, fmt.Errorf("build metrics listener: %w", err)
		}
		hooks.Register(ml)
	}

	registry := job.NewRegistry()

	limiter, err := ratelimit.New(b.st, b.rules)
	if err != nil {
		return nil, err
	}

	runner, err := worker.NewRunner(b.st, registry,
		worker.WithMiddleware(executorStack(b)...),
		worker.WithRetryPolicy(worker.MaxAttemptsPolicy{Strategy: b.strategy}),
		worker.WithEmitter(hooks),
		worker.WithLogger(b.logger),
	)
	if err != nil {
		return nil, err
	}

	pool, err := worker.NewPool(runner, b.cfg.Concurrency, b.logger)
	if err != nil {
		return nil, err
	}

	dispatcher, err := dispatch.New(b.st, pool,
		dispatch.WithAdmitter(limiter),
		dispatch.WithEmitter(hooks),
		dispatch.WithKinds(actionKinds...),
		dispatch.WithPollInterval(b.cfg.PollInterval),
		dispatch.WithBatchSize(b.cfg.DispatchBatch),
		dispatch.WithAdmissionRecheck(b.cfg.AdmissionRecheck),
		dispatch.WithLogger(b.logger),
	)
	if err != nil {
		return nil, err
	}

	plannerOpts := []schedule.Option{
		schedule.WithCampaignStore(b.st),
		schedule.WithEmitter(hooks),
		schedule.WithLogger(b.logger),
	}
	if b.minSpacing > 0 {
		plannerOpts = append(plannerOpts, schedule.WithMinSpacing(b.minSpacing))
	}
	planner, err := schedule.NewPlanner(b.st, plannerOpts...)
	if err != nil {
		return nil, err
	}

	webhookOpts := append([]webhook.EngineOption{
		webhook.WithSenderOptions(webhook.WithSenderEmitter(hooks)),
		webhook.WithDispatchEmitter(hooks),
		webhook.WithWorkerEmitter(hooks),
		webhook.WithLogger(b.logger),
	}, b.webhookOpts...)
	webhooks, err := webhook.NewEngine(b.st, b.signer, b.st, webhookOpts...)
	if err != nil {
		return nil, fmt.Errorf("build webhook engine: %w", err)
	}

	return &Engine{
		cfg:        b.cfg,
		st:         b.st,
		logger:     b.logger,
		registry:   registry,
		hooks:      hooks,
		limiter:    limiter,
		planner:    planner,
		dispatcher: dispatcher,
		runner:     runner,
		pool:       pool,
		webhooks:   webhooks,
	}, nil
}

// executorStack assembles the middleware chain around every executor call.
// Recovery sits outermost so a panic anywhere below becomes a permanent
// failure; the timeout guard sits innermost so it bounds only the executor
// itself.
func executorStack(b *builder) []middleware.Middleware {
	stack := []middleware.Middleware{middleware.Recover(b.logger)}

	if b.tracerProvider != nil {
		stack = append(stack, middleware.TracingWithTracer(b.tracerProvider.Tracer("github.com/podworks/cadence")))
	} else {
		stack = append(stack, middleware.Tracing())
	}
	if !b.noMetrics {
		if b.meterProvider != nil {
			stack = append(stack, middleware.MetricsWithMeter(b.meterProvider.Meter("github.com/podworks/cadence")))
		} else {
			stack = append(stack, middleware.Metrics())
		}
	}

	stack = append(stack, middleware.Logging(b.logger), middleware.Scope())
	stack = append(stack, b.mws...)
	stack = append(stack, middleware.Timeout(b.cfg.ExecTimeout))
	return stack
}

func buildMetricsListener(mp metric.MeterProvider) (*observe.MetricsListener, error) {
	if mp != nil {
		return observe.NewMetricsListenerWithMeter(mp.Meter("github.com/podworks/cadence"))
	}
	return observe.NewMetricsListener()
}

// ──────────────────────────────────────────────────
// Executor registration
// ──────────────────────────────────────────────────

// RegisterExecutor registers an executor for a job kind. Kinds without an
// executor fail permanently at execution time, so register everything
// before Start.
func (eng *Engine) RegisterExecutor(kind job.Kind, exec job.Executor) error {
	return eng.registry.Register(kind, exec)
}

// RegisterFunc registers a typed executor function for a job kind. The
// job's JSON payload is decoded into T before each call; a payload that
// does not decode fails the job permanently.
func RegisterFunc[T any](eng *Engine, kind job.Kind, fn func(ctx context.Context, j *job.Job, payload T) error) error {
	return eng.registry.Register(kind, job.ExecutorFunc(func(ctx context.Context, j *job.Job) error {
		var payload T
		if err := j.DecodePayload(&payload); err != nil {
			return job.Permanent(err)
		}
		return fn(ctx, j, payload)
	}))
}

// ──────────────────────────────────────────────────
// Enqueue & scheduling
// ──────────────────────────────────────────────────

// Enqueue marshals payload and enqueues a job of the given kind.
func Enqueue[T any](ctx context.Context, eng *Engine, kind job.Kind, ownerKey string, payload T, opts ...job.Option) (*job.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return eng.EnqueueRaw(ctx, kind, ownerKey, data, opts...)
}

// EnqueueRaw enqueues a job with a pre-serialized payload. A future
// ScheduledFor lands the job in delayed state; otherwise it is queued for
// the next dispatch tick. When a dedupe key is set and a non-terminal job
// already carries it, that job is returned and nothing is created.
func (eng *Engine) EnqueueRaw(ctx context.Context, kind job.Kind, ownerKey string, payload []byte, opts ...job.Option) (*job.Job, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown job kind %q", cadence.ErrConfiguration, kind)
	}
	if kind == job.KindDeliverWebhook {
		return nil, fmt.Errorf("%w: delivery jobs are enqueued through Webhooks().Enqueue", cadence.ErrConfiguration)
	}
	if ownerKey == "" {
		return nil, fmt.Errorf("%w: owner key is required", cadence.ErrConfiguration)
	}

	var o job.Options
	for _, opt := range opts {
		opt(&o)
	}

	if o.DedupeKey != "" {
		existing, err := eng.st.FindActiveByDedupeKey(ctx, o.DedupeKey)
		switch {
		case err == nil:
			return existing, nil
		case !errors.Is(err, cadence.ErrJobNotFound):
			return nil, err
		}
	}

	now := time.Now().UTC()
	j := &job.Job{
		Entity:       cadence.NewEntity(),
		ID:           id.NewJobID(),
		Kind:         kind,
		Payload:      payload,
		OwnerKey:     ownerKey,
		CampaignID:   o.CampaignID,
		DedupeKey:    o.DedupeKey,
		State:        job.StateQueued,
		ScheduledFor: now,
		MaxAttempts:  eng.cfg.MaxAttempts,
		Timeout:      o.Timeout,
	}
	if o.ScheduledFor.After(now) {
		j.State = job.StateDelayed
		j.ScheduledFor = o.ScheduledFor.UTC()
	}
	if o.MaxAttempts > 0 {
		j.MaxAttempts = o.MaxAttempts
	}

	if err := eng.st.CreateJob(ctx, j); err != nil {
		return nil, err
	}
	eng.hooks.EmitJobEnqueued(ctx, j)
	return j, nil
}

// ScheduleBatch plans one job per action, jittered across the trigger
// kind's scheduling window. Re-planning the same trigger is a no-op for
// actions whose jobs are still non-terminal.
func (eng *Engine) ScheduleBatch(ctx context.Context, trigger schedule.Trigger, actions []schedule.Action) ([]id.JobID, error) {
	return eng.planner.PlanBatch(ctx, trigger, actions)
}

// CreateCampaign persists a new active campaign. endAt bounds scheduling;
// the zero time means unbounded.
func (eng *Engine) CreateCampaign(ctx context.Context, name string, endAt time.Time) (*campaign.Campaign, error) {
	c := &campaign.Campaign{
		Entity: cadence.NewEntity(),
		ID:     id.NewCampaignID(),
		Name:   name,
		Status: campaign.StatusActive,
		EndAt:  endAt,
	}
	if err := eng.st.CreateCampaign(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ──────────────────────────────────────────────────
// Control surface
// ──────────────────────────────────────────────────

// Pause stops new dispatch on both the core and webhook dispatchers.
// Active jobs keep running; polling continues for bookkeeping.
func (eng *Engine) Pause() {
	eng.dispatcher.Pause()
	eng.webhooks.Pause()
}

// Resume re-enables dispatch.
func (eng *Engine) Resume() {
	eng.dispatcher.Resume()
	eng.webhooks.Resume()
}

// CancelCampaign cancels every non-terminal job of the campaign and marks
// the campaign record cancelled. It returns the number of jobs affected.
// In-flight executor calls finish, but their results are discarded.
func (eng *Engine) CancelCampaign(ctx context.Context, campaignID id.CampaignID) (int64, error) {
	n, err := eng.dispatcher.CancelCampaign(ctx, campaignID)
	if err != nil {
		return 0, err
	}

	c, err := eng.st.GetCampaign(ctx, campaignID)
	switch {
	case errors.Is(err, cadence.ErrCampaignNotFound):
		// Jobs may carry ad-hoc campaign IDs with no campaign record.
	case err != nil:
		return n, err
	default:
		c.Status = campaign.StatusCancelled
		if err := eng.st.UpdateCampaign(ctx, c); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Status reports per-state job counts and the per-owner rate-limit
// snapshot, computed from the store on every call.
func (eng *Engine) Status(ctx context.Context) (*dispatch.Snapshot, error) {
	return eng.dispatcher.Status(ctx)
}

// GetJob retrieves a job by ID.
func (eng *Engine) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return eng.st.GetJob(ctx, jobID)
}

// JobsByCampaign returns the campaign's jobs.
func (eng *Engine) JobsByCampaign(ctx context.Context, campaignID id.CampaignID, opts job.ListOpts) ([]*job.Job, error) {
	return eng.st.ListJobsByCampaign(ctx, campaignID, opts)
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Start validates that every action kind has an executor, then begins
// dispatching on the core loop and the webhook sub-engine.
func (eng *Engine) Start(ctx context.Context) error {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if eng.started {
		return fmt.Errorf("%w: engine already started", cadence.ErrConfiguration)
	}
	if err := eng.registry.Validate(actionKinds...); err != nil {
		return err
	}

	if err := eng.dispatcher.Start(ctx); err != nil {
		return err
	}
	if err := eng.webhooks.Start(ctx); err != nil {
		eng.dispatcher.Stop()
		return err
	}
	eng.started = true
	return nil
}

// Stop shuts the engine down gracefully: dispatchers first so nothing new
// is claimed, then the worker pools drain within the shutdown timeout.
func (eng *Engine) Stop(ctx context.Context) error {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if !eng.started {
		return nil
	}
	eng.started = false

	eng.dispatcher.Stop()
	webhookErr := eng.webhooks.Stop()
	drainErr := eng.pool.Drain(eng.cfg.ShutdownTimeout)

	eng.hooks.EmitShutdown(ctx)

	if drainErr != nil {
		return drainErr
	}
	return webhookErr
}

// ──────────────────────────────────────────────────
// Accessors
// ──────────────────────────────────────────────────

// Registry returns the executor registry.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// Hooks returns the lifecycle hook registry.
func (eng *Engine) Hooks() *hook.Registry { return eng.hooks }

// Limiter returns the admission limiter.
func (eng *Engine) Limiter() *ratelimit.Limiter { return eng.limiter }

// Dispatcher returns the core dispatcher.
func (eng *Engine) Dispatcher() *dispatch.Dispatcher { return eng.dispatcher }

// Webhooks returns the webhook delivery sub-engine.
func (eng *Engine) Webhooks() *webhook.Engine { return eng.webhooks }

// Store returns the backing store.
func (eng *Engine) Store() store.Store { return eng.st }
