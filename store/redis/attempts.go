package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/podworks/cadence/id"
	"github.com/podworks/cadence/webhook"
)

// RecordAttempt appends a delivery attempt to the job's audit log.
// Attempts are stored as a JSON-encoded List in recording order.
func (s *Store) RecordAttempt(ctx context.Context, a *webhook.Attempt) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("cadence/redis: encode attempt: %w", err)
	}
	if err := s.client.RPush(ctx, attemptsKey(a.JobID.String()), raw).Err(); err != nil {
		return fmt.Errorf("cadence/redis: record attempt: %w", err)
	}
	return nil
}

// ListAttempts returns the job's delivery attempts in recording order.
func (s *Store) ListAttempts(ctx context.Context, jobID id.JobID) ([]*webhook.Attempt, error) {
	raws, err := s.client.LRange(ctx, attemptsKey(jobID.String()), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("cadence/redis: list attempts: %w", err)
	}

	out := make([]*webhook.Attempt, 0, len(raws))
	for _, raw := range raws {
		var a webhook.Attempt
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("cadence/redis: decode attempt: %w", err)
		}
		out = append(out, &a)
	}
	return out, nil
}
