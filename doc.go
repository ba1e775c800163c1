// Package cadence provides a rate-constrained scheduling and delivery engine
// for automated social-media actions. It accepts action requests (direct
// messages, post likes, comments, webhook notifications) on behalf of many
// tenant accounts, enforces per-account throughput limits, spreads execution
// with human-like jitter, and retries failed deliveries with backoff.
//
// Cadence is designed as a library, not a service. Import it, configure a
// store, register an executor per action kind, and enqueue jobs or schedule
// batches as ordinary Go calls.
//
// # Quick Start
//
//	eng, err := engine.Build(
//	    engine.WithStore(memory.New()),
//	    engine.WithConcurrency(8),
//	    engine.WithLimit(job.KindSendMessage, ratelimit.Limit{Max: 100, Window: 24 * time.Hour}),
//	)
//
// # Architecture
//
// Cadence follows a composable store pattern: each subsystem (job, ratelimit,
// campaign, webhook) defines its own narrow store interface and a single
// backend implements all of them. Admission, claiming, and terminal state
// commits are atomic compare-and-swap operations so two engine instances
// never double-dispatch the same job.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package cadence
