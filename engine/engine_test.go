package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/podworks/cadence"
	"github.com/podworks/cadence/backoff"
	"github.com/podworks/cadence/campaign"
	"github.com/podworks/cadence/engine"
	"github.com/podworks/cadence/id"
	"github.com/podworks/cadence/job"
	"github.com/podworks/cadence/ratelimit"
	"github.com/podworks/cadence/schedule"
	"github.com/podworks/cadence/store/memory"
)

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func newEngine(t *testing.T, opts ...engine.Option) *engine.Engine {
	t.Helper()

	base := []engine.Option{
		engine.WithStore(memory.New()),
		engine.WithBackoff(backoff.NewConstant(time.Millisecond)),
	}
	eng, err := engine.Build(append(base, opts...)...)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return eng
}

func registerNoops(t *testing.T, eng *engine.Engine) {
	t.Helper()

	noop := job.ExecutorFunc(func(context.Context, *job.Job) error { return nil })
	for _, k := range []job.Kind{job.KindSendMessage, job.KindLikePost, job.KindCommentPost} {
		if err := eng.RegisterExecutor(k, noop); err != nil {
			t.Fatalf("RegisterExecutor(%s): %v", k, err)
		}
	}
}

// tickUntil drives dispatch passes until cond holds or the deadline
// passes. It re-ticks between polls so re-delayed jobs get promoted.
func tickUntil(t *testing.T, eng *engine.Engine, cond func() bool) {
	t.Helper()

	ctx := context.Background()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		eng.Dispatcher().Tick(ctx)
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func jobState(t *testing.T, eng *engine.Engine, jobID id.JobID) job.State {
	t.Helper()

	j, err := eng.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetJob(%s): %v", jobID, err)
	}
	return j.State
}

// ──────────────────────────────────────────────────
// Build
// ──────────────────────────────────────────────────

func TestBuildRequiresStore(t *testing.T) {
	t.Parallel()

	_, err := engine.Build()
	if !errors.Is(err, cadence.ErrNoStore) {
		t.Fatalf("err = %v, want ErrNoStore", err)
	}
}

func TestBuildRejectsBadConfig(t *testing.T) {
	t.Parallel()

	_, err := engine.Build(
		engine.WithStore(memory.New()),
		engine.WithConcurrency(0),
	)
	if !errors.Is(err, cadence.ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
}

func TestStartRequiresExecutors(t *testing.T) {
	t.Parallel()

	eng := newEngine(t)
	if err := eng.Start(context.Background()); !errors.Is(err, cadence.ErrNoExecutor) {
		t.Fatalf("Start err = %v, want ErrNoExecutor", err)
	}
}

// ──────────────────────────────────────────────────
// Enqueue
// ──────────────────────────────────────────────────

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()

	eng := newEngine(t)
	ctx := context.Background()

	if _, err := eng.EnqueueRaw(ctx, "resize_image", "acct-1", []byte(`{}`)); !errors.Is(err, cadence.ErrConfiguration) {
		t.Fatalf("unknown kind err = %v, want ErrConfiguration", err)
	}
	if _, err := eng.EnqueueRaw(ctx, job.KindSendMessage, "", []byte(`{}`)); !errors.Is(err, cadence.ErrConfiguration) {
		t.Fatalf("empty owner err = %v, want ErrConfiguration", err)
	}
	if _, err := eng.EnqueueRaw(ctx, job.KindDeliverWebhook, "acct-1", []byte(`{}`)); !errors.Is(err, cadence.ErrConfiguration) {
		t.Fatalf("webhook kind err = %v, want ErrConfiguration", err)
	}
}

func TestEnqueueImmediateAndDelayed(t *testing.T) {
	t.Parallel()

	eng := newEngine(t)
	ctx := context.Background()

	immediate, err := engine.Enqueue(ctx, eng, job.KindSendMessage, "acct-1",
		job.SendMessagePayload{RecipientID: "user-9", Text: "hi"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if immediate.State != job.StateQueued {
		t.Fatalf("immediate job state = %s, want queued", immediate.State)
	}
	if immediate.MaxAttempts != cadence.DefaultConfig().MaxAttempts {
		t.Fatalf("MaxAttempts = %d, want default %d", immediate.MaxAttempts, cadence.DefaultConfig().MaxAttempts)
	}

	later, err := engine.Enqueue(ctx, eng, job.KindLikePost, "acct-1",
		job.LikePostPayload{PostRef: "post-5"},
		job.WithScheduledFor(time.Now().Add(time.Hour)),
		job.WithMaxAttempts(2),
	)
	if err != nil {
		t.Fatalf("Enqueue delayed: %v", err)
	}
	if later.State != job.StateDelayed {
		t.Fatalf("delayed job state = %s, want delayed", later.State)
	}
	if later.MaxAttempts != 2 {
		t.Fatalf("MaxAttempts = %d, want 2", later.MaxAttempts)
	}
}

func TestEnqueueDedupeReturnsExisting(t *testing.T) {
	t.Parallel()

	eng := newEngine(t)
	ctx := context.Background()

	first, err := eng.EnqueueRaw(ctx, job.KindSendMessage, "acct-1", []byte(`{}`),
		job.WithDedupeKey("welcome|acct-1"))
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}

	second, err := eng.EnqueueRaw(ctx, job.KindSendMessage, "acct-1", []byte(`{}`),
		job.WithDedupeKey("welcome|acct-1"))
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if second.ID.String() != first.ID.String() {
		t.Fatalf("dedupe returned new job %s, want existing %s", second.ID, first.ID)
	}

	n, err := eng.Store().CountJobs(ctx, job.CountOpts{Kind: job.KindSendMessage})
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if n != 1 {
		t.Fatalf("job count = %d, want 1", n)
	}
}

// ──────────────────────────────────────────────────
// End-to-end execution
// ──────────────────────────────────────────────────

func TestRateLimitAdmitsUpToMax(t *testing.T) {
	t.Parallel()

	eng := newEngine(t,
		engine.WithLimit(job.KindSendMessage, ratelimit.Limit{Max: 3, Window: 24 * time.Hour}),
	)
	registerNoops(t, eng)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := eng.EnqueueRaw(ctx, job.KindSendMessage, "acct-A", []byte(`{}`)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	completed := func() bool {
		s, err := eng.Status(ctx)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		return s.States[job.StateCompleted] == 3
	}
	tickUntil(t, eng, completed)

	s, err := eng.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if s.States[job.StateCompleted] != 3 {
		t.Fatalf("completed = %d, want 3", s.States[job.StateCompleted])
	}
	if s.States[job.StateDelayed] != 2 {
		t.Fatalf("delayed = %d, want 2", s.States[job.StateDelayed])
	}

	// The two denied jobs are pushed toward the window boundary, never
	// into the past, and no attempt is burned on them.
	delayed, err := eng.Store().ListJobsByState(ctx, job.StateDelayed, job.ListOpts{})
	if err != nil {
		t.Fatalf("ListJobsByState: %v", err)
	}
	for _, j := range delayed {
		if !j.ScheduledFor.After(time.Now()) {
			t.Errorf("deferred job %s scheduled at %v, want future", j.ID, j.ScheduledFor)
		}
		if j.Attempts != 0 {
			t.Errorf("deferred job %s attempts = %d, want 0", j.ID, j.Attempts)
		}
	}

	// Owner snapshot reflects the exhausted window.
	counters := s.Owners["acct-A"]
	if len(counters) != 1 {
		t.Fatalf("owner counters = %d, want 1", len(counters))
	}
	if counters[0].Count != counters[0].Max {
		t.Fatalf("counter = %d/%d, want exhausted", counters[0].Count, counters[0].Max)
	}
}

func TestTransientFailuresThenSuccess(t *testing.T) {
	t.Parallel()

	eng := newEngine(t)

	var calls atomic.Int64
	err := eng.RegisterExecutor(job.KindCommentPost, job.ExecutorFunc(func(context.Context, *job.Job) error {
		if calls.Add(1) <= 3 {
			return job.Transient(errors.New("platform 503"))
		}
		return nil
	}))
	if err != nil {
		t.Fatalf("RegisterExecutor: %v", err)
	}

	ctx := context.Background()
	j, err := eng.EnqueueRaw(ctx, job.KindCommentPost, "acct-B", []byte(`{}`),
		job.WithMaxAttempts(5))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	tickUntil(t, eng, func() bool {
		return jobState(t, eng, j.ID) == job.StateCompleted
	})

	got, err := eng.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", got.Attempts)
	}
	if got.CompletedAt == nil {
		t.Fatal("CompletedAt not set")
	}
}

func TestPermanentFailureSkipsRetries(t *testing.T) {
	t.Parallel()

	eng := newEngine(t)
	if err := eng.RegisterExecutor(job.KindSendMessage, job.ExecutorFunc(func(context.Context, *job.Job) error {
		return job.Permanent(errors.New("recipient blocked sender"))
	})); err != nil {
		t.Fatalf("RegisterExecutor: %v", err)
	}

	ctx := context.Background()
	j, err := eng.EnqueueRaw(ctx, job.KindSendMessage, "acct-C", []byte(`{}`),
		job.WithMaxAttempts(5))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	tickUntil(t, eng, func() bool {
		return jobState(t, eng, j.ID) == job.StateFailed
	})

	got, err := eng.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", got.Attempts)
	}
	if !strings.Contains(got.LastError, "recipient blocked sender") {
		t.Fatalf("LastError = %q, want executor error", got.LastError)
	}
}

// ──────────────────────────────────────────────────
// Scheduling
// ──────────────────────────────────────────────────

func TestScheduleBatchIsIdempotent(t *testing.T) {
	t.Parallel()

	eng := newEngine(t)
	ctx := context.Background()

	c, err := eng.CreateCampaign(ctx, "launch-week", time.Time{})
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}

	trigger := schedule.Trigger{
		CampaignID: c.ID,
		PostRef:    "post-42",
		Kind:       job.KindLikePost,
	}
	actions := []schedule.Action{
		{OwnerKey: "acct-1", Payload: []byte(`{"post_ref":"post-42"}`)},
		{OwnerKey: "acct-2", Payload: []byte(`{"post_ref":"post-42"}`)},
		{OwnerKey: "acct-3", Payload: []byte(`{"post_ref":"post-42"}`)},
	}

	first, err := eng.ScheduleBatch(ctx, trigger, actions)
	if err != nil {
		t.Fatalf("first PlanBatch: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("first batch created %d jobs, want 3", len(first))
	}

	second, err := eng.ScheduleBatch(ctx, trigger, actions)
	if err != nil {
		t.Fatalf("second PlanBatch: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("second batch created %d jobs, want 0", len(second))
	}
}

// ──────────────────────────────────────────────────
// Control surface
// ──────────────────────────────────────────────────

func TestPauseHoldsDispatch(t *testing.T) {
	t.Parallel()

	eng := newEngine(t)
	registerNoops(t, eng)
	ctx := context.Background()

	j, err := eng.EnqueueRaw(ctx, job.KindSendMessage, "acct-D", []byte(`{}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	eng.Pause()
	eng.Dispatcher().Tick(ctx)
	time.Sleep(20 * time.Millisecond)
	if state := jobState(t, eng, j.ID); state != job.StateQueued {
		t.Fatalf("paused job state = %s, want queued", state)
	}

	s, err := eng.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !s.Paused {
		t.Fatal("snapshot not marked paused")
	}

	eng.Resume()
	tickUntil(t, eng, func() bool {
		return jobState(t, eng, j.ID) == job.StateCompleted
	})
}

func TestCancelCampaign(t *testing.T) {
	t.Parallel()

	eng := newEngine(t)
	ctx := context.Background()

	c, err := eng.CreateCampaign(ctx, "spring-promo", time.Time{})
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}

	for i := 0; i < 3; i++ {
		_, err := eng.EnqueueRaw(ctx, job.KindLikePost, "acct-E", []byte(`{}`),
			job.WithCampaign(c.ID),
			job.WithScheduledFor(time.Now().Add(time.Hour)),
		)
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	// A job outside the campaign must survive.
	outside, err := eng.EnqueueRaw(ctx, job.KindLikePost, "acct-E", []byte(`{}`),
		job.WithScheduledFor(time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("enqueue outside: %v", err)
	}

	n, err := eng.CancelCampaign(ctx, c.ID)
	if err != nil {
		t.Fatalf("CancelCampaign: %v", err)
	}
	if n != 3 {
		t.Fatalf("cancelled = %d, want 3", n)
	}

	got, err := eng.Store().GetCampaign(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCampaign: %v", err)
	}
	if got.Status != campaign.StatusCancelled {
		t.Fatalf("campaign status = %s, want cancelled", got.Status)
	}

	jobs, err := eng.JobsByCampaign(ctx, c.ID, job.ListOpts{})
	if err != nil {
		t.Fatalf("JobsByCampaign: %v", err)
	}
	for _, j := range jobs {
		if j.State != job.StateCancelled {
			t.Errorf("campaign job %s state = %s, want cancelled", j.ID, j.State)
		}
		if j.LastError != "" {
			t.Errorf("cancelled job %s carries error %q", j.ID, j.LastError)
		}
	}
	if state := jobState(t, eng, outside.ID); state != job.StateDelayed {
		t.Fatalf("outside job state = %s, want delayed", state)
	}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	delivered := make([]string, 0, 1)

	eng := newEngine(t, engine.WithPollInterval(10*time.Millisecond))
	if err := engine.RegisterFunc(eng, job.KindSendMessage, func(_ context.Context, _ *job.Job, p job.SendMessagePayload) error {
		mu.Lock()
		defer mu.Unlock()
		delivered = append(delivered, p.RecipientID)
		return nil
	}); err != nil {
		t.Fatalf("RegisterFunc: %v", err)
	}
	noop := job.ExecutorFunc(func(context.Context, *job.Job) error { return nil })
	for _, k := range []job.Kind{job.KindLikePost, job.KindCommentPost} {
		if err := eng.RegisterExecutor(k, noop); err != nil {
			t.Fatalf("RegisterExecutor(%s): %v", k, err)
		}
	}

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := eng.Start(ctx); err == nil {
		t.Fatal("second Start should fail")
	}

	j, err := engine.Enqueue(ctx, eng, job.KindSendMessage, "acct-F",
		job.SendMessagePayload{RecipientID: "user-1", Text: "hello"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if jobState(t, eng, j.ID) == job.StateCompleted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if state := jobState(t, eng, j.ID); state != job.StateCompleted {
		t.Fatalf("job state = %s, want completed", state)
	}

	mu.Lock()
	if len(delivered) != 1 || delivered[0] != "user-1" {
		t.Fatalf("delivered = %v, want [user-1]", delivered)
	}
	mu.Unlock()

	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
