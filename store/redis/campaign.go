package redis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/podworks/cadence"
	"github.com/podworks/cadence/campaign"
	"github.com/podworks/cadence/id"
)

// CreateCampaign stores the campaign as a Hash.
func (s *Store) CreateCampaign(ctx context.Context, c *campaign.Campaign) error {
	cID := c.ID.String()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, campaignKey(cID), campaignToMap(c))
	pipe.SAdd(ctx, campaignIDsKey, cID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cadence/redis: create campaign: %w", err)
	}
	return nil
}

// GetCampaign retrieves a campaign by ID.
func (s *Store) GetCampaign(ctx context.Context, campaignID id.CampaignID) (*campaign.Campaign, error) {
	vals, err := s.client.HGetAll(ctx, campaignKey(campaignID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("cadence/redis: get campaign: %w", err)
	}
	if len(vals) == 0 {
		return nil, cadence.ErrCampaignNotFound
	}
	return mapToCampaign(vals)
}

// UpdateCampaign persists changes to an existing campaign.
func (s *Store) UpdateCampaign(ctx context.Context, c *campaign.Campaign) error {
	key := campaignKey(c.ID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("cadence/redis: update campaign exists: %w", err)
	}
	if exists == 0 {
		return cadence.ErrCampaignNotFound
	}

	fields := campaignToMap(c)
	fields["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.client.HSet(ctx, key, fields).Result(); err != nil {
		return fmt.Errorf("cadence/redis: update campaign: %w", err)
	}
	return nil
}

// ListCampaigns returns all campaigns, oldest first.
func (s *Store) ListCampaigns(ctx context.Context) ([]*campaign.Campaign, error) {
	ids, err := s.client.SMembers(ctx, campaignIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("cadence/redis: list campaigns: %w", err)
	}

	out := make([]*campaign.Campaign, 0, len(ids))
	for _, cID := range ids {
		vals, getErr := s.client.HGetAll(ctx, campaignKey(cID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		c, convErr := mapToCampaign(vals)
		if convErr != nil {
			continue
		}
		out = append(out, c)
	}

	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return out[i].ID.String() < out[k].ID.String()
	})
	return out, nil
}

// ── helpers ──

func campaignToMap(c *campaign.Campaign) map[string]interface{} {
	m := map[string]interface{}{
		"id":         c.ID.String(),
		"name":       c.Name,
		"status":     string(c.Status),
		"created_at": c.CreatedAt.Format(time.RFC3339Nano),
		"updated_at": c.UpdatedAt.Format(time.RFC3339Nano),
	}
	if !c.EndAt.IsZero() {
		m["end_at"] = c.EndAt.Format(time.RFC3339Nano)
	} else {
		m["end_at"] = ""
	}
	return m
}

func mapToCampaign(m map[string]string) (*campaign.Campaign, error) {
	cID, err := id.ParseCampaignID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("cadence/redis: parse campaign id: %w", err)
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	c := &campaign.Campaign{
		Entity: cadence.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:     cID,
		Name:   m["name"],
		Status: campaign.Status(m["status"]),
	}
	if v := m["end_at"]; v != "" {
		c.EndAt, _ = time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	return c, nil
}
