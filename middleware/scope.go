package middleware

import (
	"context"

	"github.com/podworks/cadence/id"
	"github.com/podworks/cadence/job"
)

type ownerKeyCtx struct{}
type campaignIDCtx struct{}

// Scope returns middleware that attaches the job's owner key and campaign
// ID to the context, so executors and their collaborators (activity logs,
// token lookups) see the tenant identity without re-reading the job.
func Scope() Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		ctx = context.WithValue(ctx, ownerKeyCtx{}, j.OwnerKey)
		if !j.CampaignID.IsNil() {
			ctx = context.WithValue(ctx, campaignIDCtx{}, j.CampaignID)
		}
		return next(ctx)
	}
}

// OwnerFrom extracts the owner key attached by Scope.
// Returns false if no owner is present.
func OwnerFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ownerKeyCtx{}).(string)
	return v, ok
}

// CampaignFrom extracts the campaign ID attached by Scope.
// Returns false if the job was uncampaigned.
func CampaignFrom(ctx context.Context) (id.CampaignID, bool) {
	v, ok := ctx.Value(campaignIDCtx{}).(id.CampaignID)
	return v, ok
}
