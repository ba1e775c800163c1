// Package redis implements store.Store using Redis. Jobs are stored as
// Hashes with a Sorted Set as the due queue, compare-and-swap transitions
// run as Lua scripts so two dispatcher instances never double-claim a
// job, and rate-limit counters perform their check-and-increment inside a
// single script.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/podworks/cadence/campaign"
	"github.com/podworks/cadence/job"
	"github.com/podworks/cadence/ratelimit"
	"github.com/podworks/cadence/webhook"
)

// Compile-time interface checks.
var (
	_ job.Store              = (*Store)(nil)
	_ ratelimit.CounterStore = (*Store)(nil)
	_ campaign.Store         = (*Store)(nil)
	_ webhook.AttemptLog     = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements the composite store contract backed by Redis.
type Store struct {
	client redis.Cmdable
	logger *slog.Logger
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client redis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.Cmdable { return s.client }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }
