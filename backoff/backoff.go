// Package backoff provides pluggable retry delay strategies for job
// execution. All strategies are safe for concurrent use (they are stateless).
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the delay each attempt.
// Delay = min(Initial * 2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// ──────────────────────────────────────────────────
// Spread (proportional jitter)
// ──────────────────────────────────────────────────

// Spread perturbs another strategy's delay by a random factor in
// [1-Fraction, 1+Fraction]. Two jobs with identical attempt counts get
// distinct delays, which keeps synchronized retries from firing at the
// same instant. The base strategy's cap applies before the spread.
type Spread struct {
	Base     Strategy
	Fraction float64
}

// NewSpread wraps base with a ±fraction random spread. Fraction is clamped
// to [0, 1).
func NewSpread(base Strategy, fraction float64) *Spread {
	if fraction < 0 {
		fraction = 0
	}
	if fraction >= 1 {
		fraction = 0.99
	}
	return &Spread{Base: base, Fraction: fraction}
}

// Delay returns the base delay scaled by a random factor in
// [1-Fraction, 1+Fraction].
func (s *Spread) Delay(attempt int) time.Duration {
	base := float64(s.Base.Delay(attempt))
	factor := 1 + s.Fraction*(2*rand.Float64()-1) //nolint:gosec // jitter intentionally uses non-crypto rand
	return time.Duration(base * factor)
}

// ──────────────────────────────────────────────────
// FullJitter
// ──────────────────────────────────────────────────

// FullJitter applies full jitter to an exponential base.
// Delay = random value in [0, min(Initial * 2^(attempt-1), Max)].
// This prevents thundering herd when many retries happen simultaneously.
type FullJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewFullJitter creates an exponential backoff with full jitter.
func NewFullJitter(initial, maxDelay time.Duration) *FullJitter {
	return &FullJitter{Initial: initial, Max: maxDelay}
}

// Delay returns a random duration in [0, min(Initial * 2^(attempt-1), Max)].
func (f *FullJitter) Delay(attempt int) time.Duration {
	base := float64(f.Initial) * math.Pow(2, float64(attempt-1))
	if f.Max > 0 && base > float64(f.Max) {
		base = float64(f.Max)
	}
	return time.Duration(rand.Float64() * base) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// ──────────────────────────────────────────────────
// Defaults
// ──────────────────────────────────────────────────

// DefaultStrategy returns the backoff used by the core worker pool:
// exponential from 1 minute capped at 1 hour, with a ±20% spread.
func DefaultStrategy() Strategy {
	return NewSpread(NewExponential(1*time.Minute, 1*time.Hour), 0.20)
}

// WebhookStrategy returns the backoff used by the webhook delivery engine:
// a shorter exponential from 10 seconds capped at 15 minutes, with a ±20%
// spread. Endpoint outages tend to outlast platform hiccups, so the
// webhook engine bounds retries by elapsed time rather than attempt count.
func WebhookStrategy() Strategy {
	return NewSpread(NewExponential(10*time.Second, 15*time.Minute), 0.20)
}
