package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/podworks/cadence"
	"github.com/podworks/cadence/id"
	"github.com/podworks/cadence/job"
)

// claimScript transitions a queued job to active atomically. Returns
// "ok", "conflict", or "missing".
//
// KEYS[1] = job hash, KEYS[2] = due zset
// ARGV[1] = job ID, ARGV[2] = now (RFC3339Nano)
var claimScript = goredis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return 'missing' end
if state ~= 'queued' then return 'conflict' end
redis.call('HSET', KEYS[1], 'state', 'active', 'started_at', ARGV[2], 'updated_at', ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[1])
return 'ok'
`)

// transitionScript rewrites a job's fields if its state still equals the
// expected value, and maintains due-queue membership. Returns "ok",
// "conflict", or "missing".
//
// KEYS[1] = job hash, KEYS[2] = due zset
// ARGV[1] = expected state, ARGV[2] = job ID,
// ARGV[3] = due score in unix ms, or "" to remove from the due queue,
// ARGV[4..] = alternating field names and values
var transitionScript = goredis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return 'missing' end
if state ~= ARGV[1] then return 'conflict' end
for i = 4, #ARGV - 1, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
if ARGV[3] == '' then
  redis.call('ZREM', KEYS[2], ARGV[2])
else
  redis.call('ZADD', KEYS[2], tonumber(ARGV[3]), ARGV[2])
end
return 'ok'
`)

// cancelScript cancels one job if it is non-terminal. Returns 1 when the
// job was cancelled, 0 otherwise.
//
// KEYS[1] = job hash, KEYS[2] = due zset
// ARGV[1] = job ID, ARGV[2] = now (RFC3339Nano)
var cancelScript = goredis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return 0 end
if state == 'completed' or state == 'failed' or state == 'cancelled' then return 0 end
redis.call('HSET', KEYS[1], 'state', 'cancelled', 'updated_at', ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)

// CreateJob stores the job as a Hash and indexes it for dispatch,
// dedupe, campaign cancel, and scheduler spacing lookups.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("cadence/redis: create check exists: %w", err)
	}
	if exists > 0 {
		return cadence.ErrJobAlreadyExists
	}

	fields := jobToMap(j)
	fields["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.SAdd(ctx, jobIDsKey, jID)
	if j.State == job.StateDelayed || j.State == job.StateQueued {
		pipe.ZAdd(ctx, dueKey, goredis.Z{Score: dueScore(j.ScheduledFor), Member: jID})
	}
	if j.DedupeKey != "" {
		pipe.HSet(ctx, dedupeKey, j.DedupeKey, jID)
	}
	if !j.CampaignID.IsNil() {
		pipe.SAdd(ctx, campaignJobsKey(j.CampaignID.String()), jID)
	}
	pipe.ZAdd(ctx, schedIndexKey(j.OwnerKey, string(j.Kind)),
		goredis.Z{Score: dueScore(j.ScheduledFor), Member: jID})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cadence/redis: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.getJobByKey(ctx, jobKey(jobID.String()))
}

// DueJobs returns up to limit due delayed/queued jobs ordered by
// ScheduledFor, job ID as the tie-break.
func (s *Store) DueJobs(ctx context.Context, now time.Time, limit int, kinds ...job.Kind) ([]*job.Job, error) {
	count := int64(limit)
	if count <= 0 {
		count = -1
	}
	ids, err := s.client.ZRangeByScore(ctx, dueKey, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("cadence/redis: due jobs zrangebyscore: %w", err)
	}

	kindSet := make(map[job.Kind]struct{}, len(kinds))
	for _, k := range kinds {
		kindSet[k] = struct{}{}
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue // claimed or pruned since the range read
		}
		if j.State != job.StateDelayed && j.State != job.StateQueued {
			continue
		}
		if len(kindSet) > 0 {
			if _, ok := kindSet[j.Kind]; !ok {
				continue
			}
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// ClaimJob atomically transitions a queued job to active.
func (s *Store) ClaimJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	jID := jobID.String()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := claimScript.Run(ctx, s.client, []string{jobKey(jID), dueKey}, jID, now).Text()
	if err != nil {
		return nil, fmt.Errorf("cadence/redis: claim job: %w", err)
	}
	switch res {
	case "missing":
		return nil, cadence.ErrJobNotFound
	case "conflict":
		return nil, cadence.ErrStoreConflict
	}
	return s.getJobByKey(ctx, jobKey(jID))
}

// TransitionJob persists j if the stored state still equals from.
func (s *Store) TransitionJob(ctx context.Context, j *job.Job, from job.State) error {
	jID := j.ID.String()

	score := ""
	if j.State == job.StateDelayed || j.State == job.StateQueued {
		score = strconv.FormatFloat(dueScore(j.ScheduledFor), 'f', -1, 64)
	}

	fields := jobToMap(j)
	fields["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	argv := make([]interface{}, 0, 3+2*len(fields))
	argv = append(argv, string(from), jID, score)
	for k, v := range fields {
		argv = append(argv, k, v)
	}

	res, err := transitionScript.Run(ctx, s.client, []string{jobKey(jID), dueKey}, argv...).Text()
	if err != nil {
		return fmt.Errorf("cadence/redis: transition job: %w", err)
	}
	switch res {
	case "missing":
		return cadence.ErrJobNotFound
	case "conflict":
		return cadence.ErrStoreConflict
	}

	// Spacing index is advisory; refresh it outside the CAS.
	if score != "" {
		s.client.ZAdd(ctx, schedIndexKey(j.OwnerKey, string(j.Kind)),
			goredis.Z{Score: dueScore(j.ScheduledFor), Member: jID})
	}
	return nil
}

// CancelCampaign cancels every non-terminal job of the campaign.
func (s *Store) CancelCampaign(ctx context.Context, campaignID id.CampaignID) (int64, error) {
	ids, err := s.client.SMembers(ctx, campaignJobsKey(campaignID.String())).Result()
	if err != nil {
		return 0, fmt.Errorf("cadence/redis: cancel campaign smembers: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	var n int64
	for _, jID := range ids {
		cancelled, err := cancelScript.Run(ctx, s.client, []string{jobKey(jID), dueKey}, jID, now).Int64()
		if err != nil {
			return n, fmt.Errorf("cadence/redis: cancel job %s: %w", jID, err)
		}
		n += cancelled
	}
	return n, nil
}

// FindActiveByDedupeKey returns the live job carrying the dedupe key.
func (s *Store) FindActiveByDedupeKey(ctx context.Context, key string) (*job.Job, error) {
	jID, err := s.client.HGet(ctx, dedupeKey, key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, cadence.ErrJobNotFound
		}
		return nil, fmt.Errorf("cadence/redis: dedupe lookup: %w", err)
	}

	j, err := s.getJobByKey(ctx, jobKey(jID))
	if err != nil {
		return nil, err
	}
	if j.State.Terminal() {
		// Stale index entry; clear it so the key can be reused.
		s.client.HDel(ctx, dedupeKey, key)
		return nil, cadence.ErrJobNotFound
	}
	return j, nil
}

// ListJobsByCampaign returns the campaign's jobs, ScheduledFor ascending.
func (s *Store) ListJobsByCampaign(ctx context.Context, campaignID id.CampaignID, opts job.ListOpts) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, campaignJobsKey(campaignID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("cadence/redis: list campaign jobs: %w", err)
	}
	return s.collectJobs(ctx, ids, opts, func(j *job.Job) bool { return true })
}

// ListJobsByState returns jobs matching the given state.
func (s *Store) ListJobsByState(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("cadence/redis: list jobs smembers: %w", err)
	}
	return s.collectJobs(ctx, ids, opts, func(j *job.Job) bool { return j.State == state })
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("cadence/redis: count smembers: %w", err)
	}

	var count int64
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if opts.Kind != "" && j.Kind != opts.Kind {
			continue
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		if opts.OwnerKey != "" && j.OwnerKey != opts.OwnerKey {
			continue
		}
		count++
	}
	return count, nil
}

// StateCounts returns the number of jobs per state.
func (s *Store) StateCounts(ctx context.Context) (map[job.State]int64, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("cadence/redis: state counts smembers: %w", err)
	}

	counts := make(map[job.State]int64)
	for _, jID := range ids {
		state, getErr := s.client.HGet(ctx, jobKey(jID), "state").Result()
		if getErr != nil {
			continue
		}
		counts[job.State(state)]++
	}
	return counts, nil
}

// LatestScheduledFor returns the latest ScheduledFor among the owner's
// jobs of the given kind, terminal states included; the spacing index is
// never pruned on terminal transitions.
func (s *Store) LatestScheduledFor(ctx context.Context, ownerKey string, kind job.Kind) (time.Time, error) {
	zs, err := s.client.ZRangeWithScores(ctx, schedIndexKey(ownerKey, string(kind)), -1, -1).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("cadence/redis: latest scheduled: %w", err)
	}
	if len(zs) == 0 {
		return time.Time{}, cadence.ErrJobNotFound
	}
	return time.UnixMilli(int64(zs[0].Score)).UTC(), nil
}

// ── helpers ──

// collectJobs fetches ids, filters and sorts by ScheduledFor ascending
// with the job ID tie-break, then applies offset/limit.
func (s *Store) collectJobs(ctx context.Context, ids []string, opts job.ListOpts, keep func(*job.Job) bool) ([]*job.Job, error) {
	jobs := make([]*job.Job, 0, len(ids))
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue // skip missing
		}
		if opts.Kind != "" && j.Kind != opts.Kind {
			continue
		}
		if !keep(j) {
			continue
		}
		jobs = append(jobs, j)
	}

	sortJobs(jobs)

	if opts.Offset > 0 {
		if opts.Offset >= len(jobs) {
			return []*job.Job{}, nil
		}
		jobs = jobs[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(jobs) {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

func sortJobs(jobs []*job.Job) {
	sort.Slice(jobs, func(i, k int) bool {
		if !jobs[i].ScheduledFor.Equal(jobs[k].ScheduledFor) {
			return jobs[i].ScheduledFor.Before(jobs[k].ScheduledFor)
		}
		return jobs[i].ID.String() < jobs[k].ID.String()
	})
}

// dueScore maps a ScheduledFor timestamp onto the due queue's score axis.
func dueScore(at time.Time) float64 {
	return float64(at.UnixMilli())
}

func jobToMap(j *job.Job) map[string]interface{} {
	m := map[string]interface{}{
		"id":            j.ID.String(),
		"kind":          string(j.Kind),
		"payload":       string(j.Payload),
		"owner_key":     j.OwnerKey,
		"campaign_id":   campaignIDString(j.CampaignID),
		"dedupe_key":    j.DedupeKey,
		"state":         string(j.State),
		"scheduled_for": j.ScheduledFor.Format(time.RFC3339Nano),
		"attempts":      strconv.Itoa(j.Attempts),
		"max_attempts":  strconv.Itoa(j.MaxAttempts),
		"last_error":    j.LastError,
		"timeout":       strconv.FormatInt(int64(j.Timeout), 10),
		"created_at":    j.CreatedAt.Format(time.RFC3339Nano),
	}
	if j.StartedAt != nil {
		m["started_at"] = j.StartedAt.Format(time.RFC3339Nano)
	} else {
		m["started_at"] = ""
	}
	if j.CompletedAt != nil {
		m["completed_at"] = j.CompletedAt.Format(time.RFC3339Nano)
	} else {
		m["completed_at"] = ""
	}
	return m
}

func campaignIDString(cid id.CampaignID) string {
	if cid.IsNil() {
		return ""
	}
	return cid.String()
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("cadence/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, cadence.ErrJobNotFound
	}
	return mapToJob(vals)
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("cadence/redis: parse job id: %w", err)
	}

	attempts, _ := strconv.Atoi(m["attempts"])           //nolint:errcheck // best-effort parse from trusted Redis data
	maxAttempts, _ := strconv.Atoi(m["max_attempts"])    //nolint:errcheck // best-effort parse from trusted Redis data
	timeout, _ := strconv.ParseInt(m["timeout"], 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data

	scheduledFor, _ := time.Parse(time.RFC3339Nano, m["scheduled_for"]) //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"])       //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"])       //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		Entity: cadence.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:           jID,
		Kind:         job.Kind(m["kind"]),
		Payload:      []byte(m["payload"]),
		OwnerKey:     m["owner_key"],
		DedupeKey:    m["dedupe_key"],
		State:        job.State(m["state"]),
		ScheduledFor: scheduledFor,
		Attempts:     attempts,
		MaxAttempts:  maxAttempts,
		LastError:    m["last_error"],
		Timeout:      time.Duration(timeout),
	}

	if cid := m["campaign_id"]; cid != "" {
		j.CampaignID, _ = id.ParseCampaignID(cid) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if v := m["started_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.StartedAt = &t
	}
	if v := m["completed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.CompletedAt = &t
	}

	return j, nil
}
