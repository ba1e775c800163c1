package cadence

import (
	"fmt"
	"time"
)

// Config holds configuration for the core dispatch loop and worker pool.
type Config struct {
	// Concurrency is the maximum number of jobs executed concurrently.
	Concurrency int

	// PollInterval is how often the dispatcher scans for due jobs.
	PollInterval time.Duration

	// DispatchBatch is the maximum number of due jobs pulled per poll tick.
	DispatchBatch int

	// AdmissionRecheck bounds how long a rate-limited job is re-delayed.
	// The job is pushed to min(limiter resetAt, now+AdmissionRecheck).
	AdmissionRecheck time.Duration

	// ExecTimeout is the default per-executor-call deadline for jobs that
	// do not carry their own timeout.
	ExecTimeout time.Duration

	// MaxAttempts is the default retry ceiling for jobs enqueued without
	// an explicit value.
	MaxAttempts int

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:      10,
		PollInterval:     1 * time.Second,
		DispatchBatch:    50,
		AdmissionRecheck: 5 * time.Minute,
		ExecTimeout:      2 * time.Minute,
		MaxAttempts:      5,
		ShutdownTimeout:  30 * time.Second,
	}
}

// Validate reports configuration values that would make the engine
// misbehave. It is called at build time so bad values fail fast.
func (c Config) Validate() error {
	if c.Concurrency <= 0 {
		return fmt.Errorf("%w: concurrency must be positive, got %d", ErrConfiguration, c.Concurrency)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive, got %v", ErrConfiguration, c.PollInterval)
	}
	if c.DispatchBatch <= 0 {
		return fmt.Errorf("%w: dispatch batch must be positive, got %d", ErrConfiguration, c.DispatchBatch)
	}
	if c.AdmissionRecheck <= 0 {
		return fmt.Errorf("%w: admission recheck must be positive, got %v", ErrConfiguration, c.AdmissionRecheck)
	}
	if c.ExecTimeout <= 0 {
		return fmt.Errorf("%w: exec timeout must be positive, got %v", ErrConfiguration, c.ExecTimeout)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("%w: max attempts must be positive, got %d", ErrConfiguration, c.MaxAttempts)
	}
	return nil
}
