// Package store defines the combined persistence contract a cadence
// backend implements: job records, rate-limit counters, campaign
// metadata, and webhook delivery attempts. Backends live in subpackages
// (memory for tests and development, redis for production).
package store

import (
	"context"

	"github.com/podworks/cadence/campaign"
	"github.com/podworks/cadence/job"
	"github.com/podworks/cadence/ratelimit"
	"github.com/podworks/cadence/webhook"
)

// Store is the full persistence surface. The engine accepts any Store;
// components receive only the narrow sub-interface they need.
type Store interface {
	job.Store
	ratelimit.CounterStore
	campaign.Store
	webhook.AttemptLog

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
