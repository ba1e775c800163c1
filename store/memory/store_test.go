package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/podworks/cadence"
	"github.com/podworks/cadence/campaign"
	"github.com/podworks/cadence/id"
	"github.com/podworks/cadence/job"
	"github.com/podworks/cadence/ratelimit"
	"github.com/podworks/cadence/webhook"
)

// ──────────────────────────────────────────────────
// Lifecycle tests
// ──────────────────────────────────────────────────

func TestLifecycle(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping returned error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Job Store tests
// ──────────────────────────────────────────────────

func newJob(owner string, kind job.Kind, state job.State) *job.Job {
	return &job.Job{
		Entity:       cadence.NewEntity(),
		ID:           id.NewJobID(),
		Kind:         kind,
		Payload:      []byte(`{"test":true}`),
		OwnerKey:     owner,
		State:        state,
		ScheduledFor: time.Now().UTC().Add(-time.Second), // due immediately
		MaxAttempts:  3,
	}
}

func TestCreateAndGetJob(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob("acct-1", job.KindSendMessage, job.StateDelayed)
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob returned error: %v", err)
	}
	if err := s.CreateJob(ctx, j); !errors.Is(err, cadence.ErrJobAlreadyExists) {
		t.Fatalf("duplicate CreateJob: got %v, want ErrJobAlreadyExists", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob returned error: %v", err)
	}
	if got.OwnerKey != "acct-1" || got.Kind != job.KindSendMessage {
		t.Errorf("GetJob returned wrong job: %+v", got)
	}

	// Returned copy must not alias store state.
	got.State = job.StateFailed
	again, _ := s.GetJob(ctx, j.ID)
	if again.State != job.StateDelayed {
		t.Error("mutating a returned job leaked into the store")
	}

	if _, err := s.GetJob(ctx, id.NewJobID()); !errors.Is(err, cadence.ErrJobNotFound) {
		t.Fatalf("missing job: got %v, want ErrJobNotFound", err)
	}
}

func TestDueJobsOrderingAndFilters(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	early := newJob("a", job.KindLikePost, job.StateDelayed)
	early.ScheduledFor = now.Add(-3 * time.Minute)
	late := newJob("a", job.KindLikePost, job.StateQueued)
	late.ScheduledFor = now.Add(-1 * time.Minute)
	future := newJob("a", job.KindLikePost, job.StateDelayed)
	future.ScheduledFor = now.Add(time.Hour)
	terminal := newJob("a", job.KindLikePost, job.StateCompleted)
	otherKind := newJob("a", job.KindCommentPost, job.StateQueued)
	otherKind.ScheduledFor = now.Add(-2 * time.Minute)

	for _, j := range []*job.Job{early, late, future, terminal, otherKind} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	due, err := s.DueJobs(ctx, now, 0)
	if err != nil {
		t.Fatalf("DueJobs returned error: %v", err)
	}
	if len(due) != 3 {
		t.Fatalf("expected 3 due jobs, got %d", len(due))
	}
	for i := 1; i < len(due); i++ {
		if due[i].ScheduledFor.Before(due[i-1].ScheduledFor) {
			t.Error("due jobs not ordered by ScheduledFor ascending")
		}
	}

	likes, err := s.DueJobs(ctx, now, 0, job.KindLikePost)
	if err != nil {
		t.Fatalf("DueJobs with kind filter: %v", err)
	}
	if len(likes) != 2 {
		t.Fatalf("expected 2 due like jobs, got %d", len(likes))
	}

	limited, _ := s.DueJobs(ctx, now, 1)
	if len(limited) != 1 || limited[0].ID.String() != early.ID.String() {
		t.Error("limit 1 should return only the earliest job")
	}
}

func TestClaimJob(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob("acct-1", job.KindSendMessage, job.StateQueued)
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	claimed, err := s.ClaimJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("ClaimJob returned error: %v", err)
	}
	if claimed.State != job.StateActive {
		t.Errorf("claimed state = %s, want active", claimed.State)
	}
	if claimed.StartedAt == nil {
		t.Error("ClaimJob did not stamp StartedAt")
	}

	// Second claim loses the race.
	if _, err := s.ClaimJob(ctx, j.ID); !errors.Is(err, cadence.ErrStoreConflict) {
		t.Fatalf("double claim: got %v, want ErrStoreConflict", err)
	}

	if _, err := s.ClaimJob(ctx, id.NewJobID()); !errors.Is(err, cadence.ErrJobNotFound) {
		t.Fatalf("claim of missing job: got %v, want ErrJobNotFound", err)
	}

	delayed := newJob("acct-1", job.KindSendMessage, job.StateDelayed)
	if err := s.CreateJob(ctx, delayed); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := s.ClaimJob(ctx, delayed.ID); !errors.Is(err, cadence.ErrStoreConflict) {
		t.Fatalf("claim of delayed job: got %v, want ErrStoreConflict", err)
	}
}

func TestTransitionJob(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob("acct-1", job.KindLikePost, job.StateQueued)
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	j.State = job.StateDelayed
	j.ScheduledFor = time.Now().UTC().Add(time.Minute)
	if err := s.TransitionJob(ctx, j, job.StateQueued); err != nil {
		t.Fatalf("TransitionJob returned error: %v", err)
	}

	// Stale expectation loses the CAS.
	j.State = job.StateQueued
	if err := s.TransitionJob(ctx, j, job.StateQueued); !errors.Is(err, cadence.ErrStoreConflict) {
		t.Fatalf("stale transition: got %v, want ErrStoreConflict", err)
	}

	missing := newJob("acct-1", job.KindLikePost, job.StateQueued)
	if err := s.TransitionJob(ctx, missing, job.StateQueued); !errors.Is(err, cadence.ErrJobNotFound) {
		t.Fatalf("transition of missing job: got %v, want ErrJobNotFound", err)
	}
}

func TestCancelCampaign(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	campaignID := id.NewCampaignID()

	queued := newJob("a", job.KindSendMessage, job.StateQueued)
	queued.CampaignID = campaignID
	active := newJob("b", job.KindSendMessage, job.StateActive)
	active.CampaignID = campaignID
	done := newJob("c", job.KindSendMessage, job.StateCompleted)
	done.CampaignID = campaignID
	unrelated := newJob("d", job.KindSendMessage, job.StateQueued)

	for _, j := range []*job.Job{queued, active, done, unrelated} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	n, err := s.CancelCampaign(ctx, campaignID)
	if err != nil {
		t.Fatalf("CancelCampaign returned error: %v", err)
	}
	if n != 2 {
		t.Fatalf("cancelled %d jobs, want 2", n)
	}

	for _, tc := range []struct {
		id   id.JobID
		want job.State
	}{
		{queued.ID, job.StateCancelled},
		{active.ID, job.StateCancelled},
		{done.ID, job.StateCompleted},
		{unrelated.ID, job.StateQueued},
	} {
		got, err := s.GetJob(ctx, tc.id)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if got.State != tc.want {
			t.Errorf("job %s state = %s, want %s", tc.id, got.State, tc.want)
		}
	}
}

func TestFindActiveByDedupeKey(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	live := newJob("a", job.KindLikePost, job.StateDelayed)
	live.DedupeKey = "cmp|post-1|a|like_post"
	finished := newJob("b", job.KindLikePost, job.StateCompleted)
	finished.DedupeKey = "cmp|post-1|b|like_post"

	for _, j := range []*job.Job{live, finished} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	got, err := s.FindActiveByDedupeKey(ctx, live.DedupeKey)
	if err != nil {
		t.Fatalf("FindActiveByDedupeKey returned error: %v", err)
	}
	if got.ID.String() != live.ID.String() {
		t.Errorf("found job %s, want %s", got.ID, live.ID)
	}

	// Terminal jobs do not block re-scheduling.
	if _, err := s.FindActiveByDedupeKey(ctx, finished.DedupeKey); !errors.Is(err, cadence.ErrJobNotFound) {
		t.Fatalf("terminal dedupe hit: got %v, want ErrJobNotFound", err)
	}
}

func TestListAndCountJobs(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	campaignID := id.NewCampaignID()
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		j := newJob("acct-1", job.KindSendMessage, job.StateDelayed)
		j.CampaignID = campaignID
		j.ScheduledFor = now.Add(time.Duration(i) * time.Minute)
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}
	other := newJob("acct-2", job.KindLikePost, job.StateQueued)
	if err := s.CreateJob(ctx, other); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	byCampaign, err := s.ListJobsByCampaign(ctx, campaignID, job.ListOpts{})
	if err != nil {
		t.Fatalf("ListJobsByCampaign returned error: %v", err)
	}
	if len(byCampaign) != 5 {
		t.Fatalf("expected 5 campaign jobs, got %d", len(byCampaign))
	}
	for i := 1; i < len(byCampaign); i++ {
		if byCampaign[i].ScheduledFor.Before(byCampaign[i-1].ScheduledFor) {
			t.Error("campaign jobs not ordered by ScheduledFor")
		}
	}

	page, err := s.ListJobsByCampaign(ctx, campaignID, job.ListOpts{Limit: 2, Offset: 4})
	if err != nil {
		t.Fatalf("paginated list returned error: %v", err)
	}
	if len(page) != 1 {
		t.Fatalf("expected 1 job on final page, got %d", len(page))
	}

	delayed, err := s.ListJobsByState(ctx, job.StateDelayed, job.ListOpts{})
	if err != nil {
		t.Fatalf("ListJobsByState returned error: %v", err)
	}
	if len(delayed) != 5 {
		t.Fatalf("expected 5 delayed jobs, got %d", len(delayed))
	}

	n, err := s.CountJobs(ctx, job.CountOpts{OwnerKey: "acct-1", Kind: job.KindSendMessage})
	if err != nil {
		t.Fatalf("CountJobs returned error: %v", err)
	}
	if n != 5 {
		t.Errorf("CountJobs = %d, want 5", n)
	}

	counts, err := s.StateCounts(ctx)
	if err != nil {
		t.Fatalf("StateCounts returned error: %v", err)
	}
	if counts[job.StateDelayed] != 5 || counts[job.StateQueued] != 1 {
		t.Errorf("StateCounts = %v", counts)
	}
}

func TestLatestScheduledFor(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := s.LatestScheduledFor(ctx, "acct-1", job.KindLikePost); !errors.Is(err, cadence.ErrJobNotFound) {
		t.Fatalf("empty store: got %v, want ErrJobNotFound", err)
	}

	latest := now.Add(2 * time.Hour)
	for _, at := range []time.Time{now, latest, now.Add(time.Hour)} {
		j := newJob("acct-1", job.KindLikePost, job.StateDelayed)
		j.ScheduledFor = at
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	got, err := s.LatestScheduledFor(ctx, "acct-1", job.KindLikePost)
	if err != nil {
		t.Fatalf("LatestScheduledFor returned error: %v", err)
	}
	if !got.Equal(latest) {
		t.Errorf("LatestScheduledFor = %s, want %s", got, latest)
	}

	// A terminal job still counts: spacing is measured against when the
	// last same-kind action was placed, not how it ended.
	terminal := latest.Add(time.Hour)
	j := newJob("acct-1", job.KindLikePost, job.StateCompleted)
	j.ScheduledFor = terminal
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	got, err = s.LatestScheduledFor(ctx, "acct-1", job.KindLikePost)
	if err != nil {
		t.Fatalf("LatestScheduledFor returned error: %v", err)
	}
	if !got.Equal(terminal) {
		t.Errorf("LatestScheduledFor = %s, want terminal job's %s", got, terminal)
	}
}

// ──────────────────────────────────────────────────
// Rate-limit counter tests
// ──────────────────────────────────────────────────

func TestAdmitWindowedCounter(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	key := ratelimit.Key("acct-1", job.KindSendMessage)

	for i := 0; i < 3; i++ {
		dec, err := s.Admit(ctx, key, 1, 3, time.Hour)
		if err != nil {
			t.Fatalf("Admit returned error: %v", err)
		}
		if !dec.Admitted {
			t.Fatalf("admission %d denied, want admitted", i+1)
		}
		if dec.Remaining != 3-(i+1) {
			t.Errorf("remaining = %d, want %d", dec.Remaining, 3-(i+1))
		}
	}

	dec, err := s.Admit(ctx, key, 1, 3, time.Hour)
	if err != nil {
		t.Fatalf("Admit returned error: %v", err)
	}
	if dec.Admitted {
		t.Fatal("fourth admission should be denied")
	}
	if dec.ResetAt.IsZero() || !dec.ResetAt.After(time.Now()) {
		t.Errorf("denial ResetAt = %s, want future window boundary", dec.ResetAt)
	}
}

func TestAdmitLazyWindowReset(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	key := ratelimit.Key("acct-1", job.KindLikePost)

	// Fill a tiny window, then admit again after it elapses.
	if dec, _ := s.Admit(ctx, key, 1, 1, 20*time.Millisecond); !dec.Admitted {
		t.Fatal("first admission denied")
	}
	if dec, _ := s.Admit(ctx, key, 1, 1, 20*time.Millisecond); dec.Admitted {
		t.Fatal("second admission should be denied inside the window")
	}

	time.Sleep(30 * time.Millisecond)
	dec, err := s.Admit(ctx, key, 1, 1, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Admit returned error: %v", err)
	}
	if !dec.Admitted {
		t.Fatal("admission after window elapse should reset the counter")
	}
}

func TestCountersSnapshot(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	if _, err := s.Admit(ctx, ratelimit.Key("b", job.KindLikePost), 1, 10, time.Hour); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if _, err := s.Admit(ctx, ratelimit.Key("a", job.KindSendMessage), 2, 5, time.Hour); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	counters, err := s.Counters(ctx)
	if err != nil {
		t.Fatalf("Counters returned error: %v", err)
	}
	if len(counters) != 2 {
		t.Fatalf("expected 2 counters, got %d", len(counters))
	}
	if counters[0].OwnerKey != "a" || counters[1].OwnerKey != "b" {
		t.Errorf("counters not sorted by owner: %+v", counters)
	}
	if counters[0].Count != 2 || counters[0].Max != 5 {
		t.Errorf("counter a = %+v", counters[0])
	}
}

// ──────────────────────────────────────────────────
// Campaign store tests
// ──────────────────────────────────────────────────

func TestCampaignCRUD(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	c := &campaign.Campaign{
		Entity: cadence.NewEntity(),
		ID:     id.NewCampaignID(),
		Name:   "spring-launch",
		Status: campaign.StatusActive,
		EndAt:  time.Now().UTC().Add(48 * time.Hour),
	}
	if err := s.CreateCampaign(ctx, c); err != nil {
		t.Fatalf("CreateCampaign returned error: %v", err)
	}

	got, err := s.GetCampaign(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCampaign returned error: %v", err)
	}
	if got.Name != "spring-launch" {
		t.Errorf("campaign name = %q", got.Name)
	}

	got.Status = campaign.StatusCancelled
	if err := s.UpdateCampaign(ctx, got); err != nil {
		t.Fatalf("UpdateCampaign returned error: %v", err)
	}
	again, _ := s.GetCampaign(ctx, c.ID)
	if again.Status != campaign.StatusCancelled {
		t.Errorf("campaign status = %s, want cancelled", again.Status)
	}

	if _, err := s.GetCampaign(ctx, id.NewCampaignID()); !errors.Is(err, cadence.ErrCampaignNotFound) {
		t.Fatalf("missing campaign: got %v, want ErrCampaignNotFound", err)
	}
	missing := &campaign.Campaign{Entity: cadence.NewEntity(), ID: id.NewCampaignID()}
	if err := s.UpdateCampaign(ctx, missing); !errors.Is(err, cadence.ErrCampaignNotFound) {
		t.Fatalf("update of missing campaign: got %v, want ErrCampaignNotFound", err)
	}

	all, err := s.ListCampaigns(ctx)
	if err != nil {
		t.Fatalf("ListCampaigns returned error: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 campaign, got %d", len(all))
	}
}

// ──────────────────────────────────────────────────
// Webhook attempt log tests
// ──────────────────────────────────────────────────

func TestAttemptLog(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	jobID := id.NewJobID()

	for i := 1; i <= 3; i++ {
		a := &webhook.Attempt{
			Entity:     cadence.NewEntity(),
			ID:         id.NewDeliveryID(),
			JobID:      jobID,
			Endpoint:   "https://hooks.example.com/in",
			AttemptNo:  i,
			StatusCode: 503,
			Error:      "503 Service Unavailable",
			Duration:   120 * time.Millisecond,
		}
		if err := s.RecordAttempt(ctx, a); err != nil {
			t.Fatalf("RecordAttempt returned error: %v", err)
		}
	}

	attempts, err := s.ListAttempts(ctx, jobID)
	if err != nil {
		t.Fatalf("ListAttempts returned error: %v", err)
	}
	if len(attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(attempts))
	}
	for i, a := range attempts {
		if a.AttemptNo != i+1 {
			t.Errorf("attempt %d has AttemptNo %d", i, a.AttemptNo)
		}
	}

	none, err := s.ListAttempts(ctx, id.NewJobID())
	if err != nil {
		t.Fatalf("ListAttempts for unknown job returned error: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected empty log, got %d attempts", len(none))
	}
}
