package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/podworks/cadence/ratelimit"
)

// admitScript performs the windowed check-and-increment atomically,
// resetting an elapsed window before the increment is applied. Returns
// {admitted, count, windowStart}.
//
// KEYS[1] = counter hash
// ARGV[1] = now unix ms, ARGV[2] = cost, ARGV[3] = max, ARGV[4] = window ms
var admitScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
local cost = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local window = tonumber(ARGV[4])
local start = tonumber(redis.call('HGET', KEYS[1], 'window_start') or '0')
local count = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
if start == 0 or now >= start + window then
  start = now
  count = 0
end
local admitted = 0
if count + cost <= max then
  count = count + cost
  admitted = 1
end
redis.call('HSET', KEYS[1], 'window_start', start, 'count', count, 'max', max, 'window', window)
redis.call('PEXPIRE', KEYS[1], window * 2)
return {admitted, count, start}
`)

// Admit implements the counter store's single read-modify-write contract
// via a Lua script, so concurrent dispatchers never over-admit.
func (s *Store) Admit(ctx context.Context, key string, cost, max int, window time.Duration) (ratelimit.Decision, error) {
	now := time.Now().UTC()
	res, err := admitScript.Run(ctx, s.client, []string{counterKey(key)},
		now.UnixMilli(), cost, max, window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("cadence/redis: admit: %w", err)
	}
	if len(res) != 3 {
		return ratelimit.Decision{}, fmt.Errorf("cadence/redis: admit returned %d values", len(res))
	}

	s.client.SAdd(ctx, counterKeysKey, key)

	admitted := res[0] == 1
	count := int(res[1])
	windowStart := time.UnixMilli(res[2]).UTC()
	return ratelimit.Decision{
		Admitted:  admitted,
		Remaining: max - count,
		ResetAt:   windowStart.Add(window),
	}, nil
}

// Counters returns a snapshot of all live (unexpired) counters.
func (s *Store) Counters(ctx context.Context) ([]ratelimit.Counter, error) {
	keys, err := s.client.SMembers(ctx, counterKeysKey).Result()
	if err != nil {
		return nil, fmt.Errorf("cadence/redis: counters smembers: %w", err)
	}

	now := time.Now().UTC()
	out := make([]ratelimit.Counter, 0, len(keys))
	for _, key := range keys {
		vals, getErr := s.client.HGetAll(ctx, counterKey(key)).Result()
		if getErr != nil || len(vals) == 0 {
			// Expired counter; drop the tracking entry.
			s.client.SRem(ctx, counterKeysKey, key)
			continue
		}

		start, _ := strconv.ParseInt(vals["window_start"], 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data
		count, _ := strconv.Atoi(vals["count"])                    //nolint:errcheck // best-effort parse from trusted Redis data
		max, _ := strconv.Atoi(vals["max"])                        //nolint:errcheck // best-effort parse from trusted Redis data
		windowMS, _ := strconv.ParseInt(vals["window"], 10, 64)    //nolint:errcheck // best-effort parse from trusted Redis data

		windowStart := time.UnixMilli(start).UTC()
		window := time.Duration(windowMS) * time.Millisecond
		if !now.Before(windowStart.Add(window)) {
			continue
		}

		ownerKey, kind, ok := ratelimit.ParseKey(key)
		if !ok {
			continue
		}
		out = append(out, ratelimit.Counter{
			OwnerKey:    ownerKey,
			Kind:        kind,
			Count:       count,
			Max:         max,
			WindowStart: windowStart,
			Window:      window,
			ResetAt:     windowStart.Add(window),
		})
	}

	sortCounters(out)
	return out, nil
}

func sortCounters(counters []ratelimit.Counter) {
	sort.Slice(counters, func(i, k int) bool {
		if counters[i].OwnerKey != counters[k].OwnerKey {
			return counters[i].OwnerKey < counters[k].OwnerKey
		}
		return counters[i].Kind < counters[k].Kind
	})
}
