// Package engine assembles the cadence subsystems into a running unit:
// the job registry, the rate limiter, the batch planner, the dispatcher,
// the worker pool, and the webhook delivery sub-engine, all sharing one
// store and one hook registry.
//
// Build is the only way to construct an Engine. It validates configuration
// and the executor registry up front so a misconfigured engine fails at
// startup, not mid-dispatch.
package engine
