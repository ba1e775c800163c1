package webhook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/podworks/cadence"
	"github.com/podworks/cadence/job"
	"github.com/podworks/cadence/ratelimit"
)

// DestinationLimiter caps outbound requests per second per destination.
// Delivery jobs carry their destination host as the owner key, so the
// limiter plugs into the dispatcher's ordinary admission check. Unlike
// the owner-quota limiter it keeps no windowed counters; token buckets
// refill continuously.
type DestinationLimiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewDestinationLimiter builds a limiter allowing rps requests per second
// with the given burst per destination.
func NewDestinationLimiter(rps float64, burst int) (*DestinationLimiter, error) {
	if rps <= 0 || burst <= 0 {
		return nil, fmt.Errorf("%w: destination limit rps %v burst %d must be positive", cadence.ErrConfiguration, rps, burst)
	}
	return &DestinationLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}, nil
}

// TryAdmit implements the dispatcher's admission contract. The owner key
// is the destination host; the kind is ignored.
func (l *DestinationLimiter) TryAdmit(_ context.Context, ownerKey string, _ job.Kind, cost int) (ratelimit.Decision, error) {
	if cost <= 0 {
		cost = 1
	}
	bucket := l.bucket(ownerKey)

	now := time.Now()
	res := bucket.ReserveN(now, cost)
	if !res.OK() {
		return ratelimit.Decision{Admitted: false, ResetAt: now.Add(time.Second)}, nil
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return ratelimit.Decision{Admitted: false, ResetAt: now.Add(delay)}, nil
	}
	return ratelimit.Decision{
		Admitted:  true,
		Remaining: int(bucket.TokensAt(now)),
		ResetAt:   now,
	}, nil
}

func (l *DestinationLimiter) bucket(destination string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[destination]
	if !ok {
		b = rate.NewLimiter(l.rps, l.burst)
		l.buckets[destination] = b
	}
	return b
}
