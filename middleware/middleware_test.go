package middleware_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/podworks/cadence/id"
	"github.com/podworks/cadence/job"
	"github.com/podworks/cadence/middleware"
)

func TestChain_ExecutionOrder(t *testing.T) {
	var order []string

	mw1 := func(ctx context.Context, _ *job.Job, next middleware.Handler) error {
		order = append(order, "mw1-before")
		err := next(ctx)
		order = append(order, "mw1-after")
		return err
	}

	mw2 := func(ctx context.Context, _ *job.Job, next middleware.Handler) error {
		order = append(order, "mw2-before")
		err := next(ctx)
		order = append(order, "mw2-after")
		return err
	}

	chain := middleware.Chain(mw1, mw2)
	j := &job.Job{Kind: job.KindLikePost, ID: id.NewJobID()}
	handler := func(_ context.Context) error {
		order = append(order, "executor")
		return nil
	}

	err := chain(context.Background(), j, handler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []string{"mw1-before", "mw2-before", "executor", "mw2-after", "mw1-after"}
	if len(order) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(order), order)
	}
	for i, want := range expected {
		if order[i] != want {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want)
		}
	}
}

func TestChain_Empty(t *testing.T) {
	chain := middleware.Chain()
	called := false
	handler := func(_ context.Context) error {
		called = true
		return nil
	}

	err := chain(context.Background(), &job.Job{ID: id.NewJobID()}, handler)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("executor not called with empty chain")
	}
}

func TestChain_PropagatesError(t *testing.T) {
	mw := func(ctx context.Context, _ *job.Job, next middleware.Handler) error {
		return next(ctx)
	}
	chain := middleware.Chain(mw)
	want := errors.New("executor error")

	err := chain(context.Background(), &job.Job{ID: id.NewJobID()}, func(_ context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestRecover_CatchesPanic(t *testing.T) {
	mw := middleware.Recover(slog.Default())
	j := &job.Job{Kind: job.KindSendMessage, ID: id.NewJobID()}

	err := mw(context.Background(), j, func(_ context.Context) error {
		panic("test panic")
	})
	if err == nil {
		t.Fatal("expected error from panic recovery")
	}
	if job.Classify(err) != job.OutcomePermanent {
		t.Errorf("a panic should classify as permanent, got %q", job.Classify(err))
	}
}

func TestRecover_PassesThroughNormalError(t *testing.T) {
	mw := middleware.Recover(slog.Default())
	want := job.Transient(errors.New("flaky upstream"))

	err := mw(context.Background(), &job.Job{ID: id.NewJobID()}, func(_ context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestTimeout_EnforcesJobDeadline(t *testing.T) {
	mw := middleware.Timeout(time.Hour)
	j := &job.Job{ID: id.NewJobID(), Timeout: 10 * time.Millisecond}

	err := mw(context.Background(), j, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if job.Classify(err) != job.OutcomeTransient {
		t.Error("a timeout should classify as transient")
	}
}

func TestTimeout_FallbackUsedWhenJobHasNone(t *testing.T) {
	mw := middleware.Timeout(10 * time.Millisecond)
	j := &job.Job{ID: id.NewJobID()}

	err := mw(context.Background(), j, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded via fallback, got %v", err)
	}
}

func TestScope_AttachesOwnerAndCampaign(t *testing.T) {
	mw := middleware.Scope()
	campaignID := id.NewCampaignID()
	j := &job.Job{ID: id.NewJobID(), OwnerKey: "acct-1", CampaignID: campaignID}

	err := mw(context.Background(), j, func(ctx context.Context) error {
		owner, ok := middleware.OwnerFrom(ctx)
		if !ok || owner != "acct-1" {
			t.Errorf("owner = %q ok=%v, want acct-1", owner, ok)
		}
		cmp, ok := middleware.CampaignFrom(ctx)
		if !ok || cmp.String() != campaignID.String() {
			t.Errorf("campaign = %q ok=%v, want %q", cmp, ok, campaignID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestScope_UncampaignedJob(t *testing.T) {
	mw := middleware.Scope()
	j := &job.Job{ID: id.NewJobID(), OwnerKey: "acct-2"}

	_ = mw(context.Background(), j, func(ctx context.Context) error {
		if _, ok := middleware.CampaignFrom(ctx); ok {
			t.Error("expected no campaign in context")
		}
		return nil
	})
}

func TestMetrics_NoopProviderPassesThrough(t *testing.T) {
	mw := middleware.Metrics()
	want := errors.New("still surfaces")

	err := mw(context.Background(), &job.Job{ID: id.NewJobID(), Kind: job.KindLikePost}, func(_ context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestTracing_NoopProviderPassesThrough(t *testing.T) {
	mw := middleware.Tracing()
	called := false

	err := mw(context.Background(), &job.Job{ID: id.NewJobID(), Kind: job.KindLikePost}, func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("executor not called under noop tracer")
	}
}
