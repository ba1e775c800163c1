// Package ratelimit implements the admission oracle: bounded counters per
// (owner, action kind, time window) answering admit/deny queries atomically.
//
// Denial is not an error. The dispatcher treats it as "not yet" and
// re-delays the job to the counter's reset time. There is no queueing
// inside the limiter.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/podworks/cadence"
	"github.com/podworks/cadence/job"
)

// Limit bounds an owner to Max actions per rolling Window.
type Limit struct {
	Max    int
	Window time.Duration
}

// Decision is the admission verdict for one TryAdmit call.
type Decision struct {
	// Admitted reports whether the action may proceed now.
	Admitted bool
	// Remaining is the quota left in the current window after this call.
	// Negative means the kind is unlimited.
	Remaining int
	// ResetAt is when the current window expires. Zero for unlimited kinds.
	ResetAt time.Time
}

// Counter is a point-in-time view of one window counter, used for status
// snapshots.
type Counter struct {
	OwnerKey    string        `json:"owner_key"`
	Kind        job.Kind      `json:"kind"`
	Count       int           `json:"count"`
	Max         int           `json:"max"`
	WindowStart time.Time     `json:"window_start"`
	Window      time.Duration `json:"window"`
	ResetAt     time.Time     `json:"reset_at"`
}

// CounterStore is the atomic backing store for window counters. The store
// exclusively owns counter state.
//
// Admit must be a single read-modify-write: reset the window if it has
// elapsed, then increment only if count+cost stays within max. A separate
// read-then-write pair would over-admit under concurrent dispatchers.
type CounterStore interface {
	Admit(ctx context.Context, key string, cost, max int, window time.Duration) (Decision, error)

	// Counters returns a snapshot of all live (unexpired) counters.
	Counters(ctx context.Context) ([]Counter, error)
}

// Key builds the composite counter key for an owner and kind.
func Key(ownerKey string, kind job.Kind) string {
	return ownerKey + "|" + string(kind)
}

// ParseKey splits a composite counter key back into owner and kind.
func ParseKey(key string) (ownerKey string, kind job.Kind, ok bool) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '|' {
			return key[:i], job.Kind(key[i+1:]), true
		}
	}
	return "", "", false
}

// Limiter answers admission queries against per-kind limits. Kinds without
// a configured limit are always admitted.
type Limiter struct {
	store CounterStore

	mu    sync.RWMutex
	rules map[job.Kind]Limit
}

// New creates a Limiter. Rules are validated up front; a zero or negative
// max or window is a configuration error.
func New(store CounterStore, rules map[job.Kind]Limit) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: ratelimit requires a counter store", cadence.ErrConfiguration)
	}

	for k, l := range rules {
		if l.Max <= 0 {
			return nil, fmt.Errorf("%w: limit max for %q must be positive, got %d", cadence.ErrConfiguration, k, l.Max)
		}
		if l.Window <= 0 {
			return nil, fmt.Errorf("%w: limit window for %q must be positive, got %v", cadence.ErrConfiguration, k, l.Window)
		}
	}

	copied := make(map[job.Kind]Limit, len(rules))
	for k, l := range rules {
		copied[k] = l
	}

	return &Limiter{store: store, rules: copied}, nil
}

// SetLimit installs or replaces the limit for a kind at runtime.
func (l *Limiter) SetLimit(kind job.Kind, limit Limit) error {
	if limit.Max <= 0 || limit.Window <= 0 {
		return fmt.Errorf("%w: limit for %q must have positive max and window", cadence.ErrConfiguration, kind)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.rules[kind] = limit
	return nil
}

// TryAdmit checks whether the owner may perform cost units of the given
// kind right now. Admission consumes quota; denial consumes nothing.
func (l *Limiter) TryAdmit(ctx context.Context, ownerKey string, kind job.Kind, cost int) (Decision, error) {
	if cost <= 0 {
		cost = 1
	}

	l.mu.RLock()
	limit, limited := l.rules[kind]
	l.mu.RUnlock()

	if !limited {
		return Decision{Admitted: true, Remaining: -1}, nil
	}

	return l.store.Admit(ctx, Key(ownerKey, kind), cost, limit.Max, limit.Window)
}

// Snapshot returns the live counters grouped by owner key.
func (l *Limiter) Snapshot(ctx context.Context) (map[string][]Counter, error) {
	counters, err := l.store.Counters(ctx)
	if err != nil {
		return nil, err
	}

	byOwner := make(map[string][]Counter)
	for _, c := range counters {
		byOwner[c.OwnerKey] = append(byOwner[c.OwnerKey], c)
	}
	return byOwner, nil
}
