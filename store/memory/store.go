// Package memory provides a fully in-memory cadence backend. Safe for
// concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/podworks/cadence"
	"github.com/podworks/cadence/campaign"
	"github.com/podworks/cadence/id"
	"github.com/podworks/cadence/job"
	"github.com/podworks/cadence/ratelimit"
	"github.com/podworks/cadence/webhook"
)

// Ensure Store implements every backend contract at compile time.
var (
	_ job.Store              = (*Store)(nil)
	_ ratelimit.CounterStore = (*Store)(nil)
	_ campaign.Store         = (*Store)(nil)
	_ webhook.AttemptLog     = (*Store)(nil)
)

type counterRec struct {
	count       int
	max         int
	window      time.Duration
	windowStart time.Time
}

// Store is a fully in-memory backend. All methods copy records on the
// way in and out so callers never share memory with the store.
type Store struct {
	mu sync.RWMutex

	jobs      map[string]*job.Job
	counters  map[string]*counterRec
	campaigns map[string]*campaign.Campaign
	attempts  map[string][]*webhook.Attempt // key: job ID
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:      make(map[string]*job.Job),
		counters:  make(map[string]*counterRec),
		campaigns: make(map[string]*campaign.Campaign),
		attempts:  make(map[string][]*webhook.Attempt),
	}
}

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// CreateJob persists a new job.
func (m *Store) CreateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return cadence.ErrJobAlreadyExists
	}
	cp := *j
	cp.UpdatedAt = time.Now().UTC()
	m.jobs[key] = &cp
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, cadence.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// DueJobs returns due delayed and queued jobs ordered by ScheduledFor
// ascending, job ID as the tie-break.
func (m *Store) DueJobs(_ context.Context, now time.Time, limit int, kinds ...job.Kind) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	kindSet := make(map[job.Kind]struct{}, len(kinds))
	for _, k := range kinds {
		kindSet[k] = struct{}{}
	}

	candidates := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.State != job.StateDelayed && j.State != job.StateQueued {
			continue
		}
		if j.ScheduledFor.After(now) {
			continue
		}
		if len(kindSet) > 0 {
			if _, ok := kindSet[j.Kind]; !ok {
				continue
			}
		}
		candidates = append(candidates, j)
	}

	sort.Slice(candidates, func(i, k int) bool {
		if !candidates[i].ScheduledFor.Equal(candidates[k].ScheduledFor) {
			return candidates[i].ScheduledFor.Before(candidates[k].ScheduledFor)
		}
		return candidates[i].ID.String() < candidates[k].ID.String()
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	result := make([]*job.Job, len(candidates))
	for i, j := range candidates {
		cp := *j
		result[i] = &cp
	}
	return result, nil
}

// ClaimJob atomically transitions a queued job to active.
func (m *Store) ClaimJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, cadence.ErrJobNotFound
	}
	if j.State != job.StateQueued {
		return nil, cadence.ErrStoreConflict
	}
	now := time.Now().UTC()
	j.State = job.StateActive
	j.StartedAt = &now
	j.UpdatedAt = now

	cp := *j
	return &cp, nil
}

// TransitionJob persists j if the stored state still equals from.
func (m *Store) TransitionJob(_ context.Context, j *job.Job, from job.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.jobs[j.ID.String()]
	if !ok {
		return cadence.ErrJobNotFound
	}
	if stored.State != from {
		return cadence.ErrStoreConflict
	}
	cp := *j
	cp.UpdatedAt = time.Now().UTC()
	m.jobs[j.ID.String()] = &cp
	return nil
}

// CancelCampaign cancels every non-terminal job of the campaign.
func (m *Store) CancelCampaign(_ context.Context, campaignID id.CampaignID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var n int64
	for _, j := range m.jobs {
		if j.CampaignID.String() != campaignID.String() {
			continue
		}
		if j.State.Terminal() {
			continue
		}
		j.State = job.StateCancelled
		j.UpdatedAt = now
		n++
	}
	return n, nil
}

// FindActiveByDedupeKey returns the live job carrying the dedupe key.
func (m *Store) FindActiveByDedupeKey(_ context.Context, key string) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, j := range m.jobs {
		if j.DedupeKey == key && !j.State.Terminal() {
			cp := *j
			return &cp, nil
		}
	}
	return nil, cadence.ErrJobNotFound
}

// ListJobsByCampaign returns the campaign's jobs, ScheduledFor ascending.
func (m *Store) ListJobsByCampaign(_ context.Context, campaignID id.CampaignID, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*job.Job, 0)
	for _, j := range m.jobs {
		if j.CampaignID.String() != campaignID.String() {
			continue
		}
		if opts.Kind != "" && j.Kind != opts.Kind {
			continue
		}
		matched = append(matched, j)
	}
	return paginate(matched, opts), nil
}

// ListJobsByState returns jobs in the given state, ScheduledFor ascending.
func (m *Store) ListJobsByState(_ context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*job.Job, 0)
	for _, j := range m.jobs {
		if j.State != state {
			continue
		}
		if opts.Kind != "" && j.Kind != opts.Kind {
			continue
		}
		matched = append(matched, j)
	}
	return paginate(matched, opts), nil
}

// CountJobs returns the number of jobs matching opts.
func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, j := range m.jobs {
		if opts.Kind != "" && j.Kind != opts.Kind {
			continue
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		if opts.OwnerKey != "" && j.OwnerKey != opts.OwnerKey {
			continue
		}
		n++
	}
	return n, nil
}

// StateCounts returns the number of jobs per state.
func (m *Store) StateCounts(_ context.Context) (map[job.State]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[job.State]int64)
	for _, j := range m.jobs {
		counts[j.State]++
	}
	return counts, nil
}

// LatestScheduledFor returns the latest ScheduledFor among the owner's
// jobs of the given kind, terminal states included.
func (m *Store) LatestScheduledFor(_ context.Context, ownerKey string, kind job.Kind) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest time.Time
	found := false
	for _, j := range m.jobs {
		if j.OwnerKey != ownerKey || j.Kind != kind {
			continue
		}
		if j.ScheduledFor.After(latest) {
			latest = j.ScheduledFor
			found = true
		}
	}
	if !found {
		return time.Time{}, cadence.ErrJobNotFound
	}
	return latest, nil
}

// paginate sorts matched by ScheduledFor (ID tie-break) and applies
// offset/limit. Caller holds at least a read lock.
func paginate(matched []*job.Job, opts job.ListOpts) []*job.Job {
	sort.Slice(matched, func(i, k int) bool {
		if !matched[i].ScheduledFor.Equal(matched[k].ScheduledFor) {
			return matched[i].ScheduledFor.Before(matched[k].ScheduledFor)
		}
		return matched[i].ID.String() < matched[k].ID.String()
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return []*job.Job{}
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	result := make([]*job.Job, len(matched))
	for i, j := range matched {
		cp := *j
		result[i] = &cp
	}
	return result
}

// ──────────────────────────────────────────────────
// Rate-limit Counter Store
// ──────────────────────────────────────────────────

// Admit performs the windowed counter check-and-increment as a single
// read-modify-write under the store lock. An elapsed window resets
// lazily before the increment is applied.
func (m *Store) Admit(_ context.Context, key string, cost, max int, window time.Duration) (ratelimit.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	rec, ok := m.counters[key]
	if !ok || !now.Before(rec.windowStart.Add(rec.window)) {
		rec = &counterRec{windowStart: now}
		m.counters[key] = rec
	}
	rec.max = max
	rec.window = window

	resetAt := rec.windowStart.Add(window)
	if rec.count+cost > max {
		return ratelimit.Decision{
			Admitted:  false,
			Remaining: max - rec.count,
			ResetAt:   resetAt,
		}, nil
	}
	rec.count += cost
	return ratelimit.Decision{
		Admitted:  true,
		Remaining: max - rec.count,
		ResetAt:   resetAt,
	}, nil
}

// Counters returns a snapshot of all live counters.
func (m *Store) Counters(_ context.Context) ([]ratelimit.Counter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now().UTC()
	out := make([]ratelimit.Counter, 0, len(m.counters))
	for key, rec := range m.counters {
		if !now.Before(rec.windowStart.Add(rec.window)) {
			continue
		}
		ownerKey, kind, ok := ratelimit.ParseKey(key)
		if !ok {
			continue
		}
		out = append(out, ratelimit.Counter{
			OwnerKey:    ownerKey,
			Kind:        kind,
			Count:       rec.count,
			Max:         rec.max,
			WindowStart: rec.windowStart,
			Window:      rec.window,
			ResetAt:     rec.windowStart.Add(rec.window),
		})
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].OwnerKey != out[k].OwnerKey {
			return out[i].OwnerKey < out[k].OwnerKey
		}
		return out[i].Kind < out[k].Kind
	})
	return out, nil
}

// ──────────────────────────────────────────────────
// Campaign Store
// ──────────────────────────────────────────────────

// CreateCampaign persists a new campaign.
func (m *Store) CreateCampaign(_ context.Context, c *campaign.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *c
	cp.UpdatedAt = time.Now().UTC()
	m.campaigns[c.ID.String()] = &cp
	return nil
}

// GetCampaign retrieves a campaign by ID.
func (m *Store) GetCampaign(_ context.Context, campaignID id.CampaignID) (*campaign.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.campaigns[campaignID.String()]
	if !ok {
		return nil, cadence.ErrCampaignNotFound
	}
	cp := *c
	return &cp, nil
}

// UpdateCampaign persists changes to an existing campaign.
func (m *Store) UpdateCampaign(_ context.Context, c *campaign.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.campaigns[c.ID.String()]; !ok {
		return cadence.ErrCampaignNotFound
	}
	cp := *c
	cp.UpdatedAt = time.Now().UTC()
	m.campaigns[c.ID.String()] = &cp
	return nil
}

// ListCampaigns returns all campaigns, oldest first.
func (m *Store) ListCampaigns(_ context.Context) ([]*campaign.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*campaign.Campaign, 0, len(m.campaigns))
	for _, c := range m.campaigns {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return out[i].ID.String() < out[k].ID.String()
	})
	return out, nil
}

// ──────────────────────────────────────────────────
// Webhook Attempt Log
// ──────────────────────────────────────────────────

// RecordAttempt appends a delivery attempt to the job's audit log.
func (m *Store) RecordAttempt(_ context.Context, a *webhook.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *a
	cp.UpdatedAt = time.Now().UTC()
	key := a.JobID.String()
	m.attempts[key] = append(m.attempts[key], &cp)
	return nil
}

// ListAttempts returns the job's delivery attempts in recording order.
func (m *Store) ListAttempts(_ context.Context, jobID id.JobID) ([]*webhook.Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recorded := m.attempts[jobID.String()]
	out := make([]*webhook.Attempt, len(recorded))
	for i, a := range recorded {
		cp := *a
		out[i] = &cp
	}
	return out, nil
}
