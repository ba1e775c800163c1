// Package campaign defines campaign metadata and its store interface.
// A campaign groups related jobs for scheduling clamps and bulk cancel.
package campaign

import (
	"context"
	"time"

	"github.com/podworks/cadence"
	"github.com/podworks/cadence/id"
)

// Status is the lifecycle state of a campaign.
type Status string

const (
	// StatusActive means the campaign may still schedule and run jobs.
	StatusActive Status = "active"
	// StatusCancelled means the campaign was cancelled; its jobs were
	// transitioned to cancelled in the same control operation.
	StatusCancelled Status = "cancelled"
)

// Campaign groups related jobs under one trigger source, e.g. all pod
// engagements for one published post series.
type Campaign struct {
	cadence.Entity

	ID     id.CampaignID `json:"id"`
	Name   string        `json:"name"`
	Status Status        `json:"status"`

	// EndAt is the hard scheduling boundary. The scheduler never places a
	// job after this time. Zero means unbounded.
	EndAt time.Time `json:"end_at,omitempty"`
}

// Ended reports whether the campaign's scheduling window has closed at t.
func (c *Campaign) Ended(t time.Time) bool {
	return !c.EndAt.IsZero() && t.After(c.EndAt)
}

// Store defines the persistence contract for campaigns.
type Store interface {
	// CreateCampaign persists a new campaign.
	CreateCampaign(ctx context.Context, c *Campaign) error

	// GetCampaign retrieves a campaign by ID. Returns
	// cadence.ErrCampaignNotFound if it does not exist.
	GetCampaign(ctx context.Context, campaignID id.CampaignID) (*Campaign, error)

	// UpdateCampaign persists changes to an existing campaign.
	UpdateCampaign(ctx context.Context, c *Campaign) error

	// ListCampaigns returns all campaigns, oldest first.
	ListCampaigns(ctx context.Context) ([]*Campaign, error)
}
