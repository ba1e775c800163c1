package middleware

import (
	"context"
	"time"

	"github.com/podworks/cadence/job"
)

// Timeout returns middleware that enforces a hard deadline per executor
// call. Jobs without their own Timeout use fallback. When the deadline is
// exceeded the context is cancelled and the resulting
// context.DeadlineExceeded classifies as a transient failure.
func Timeout(fallback time.Duration) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		deadline := j.Timeout
		if deadline <= 0 {
			deadline = fallback
		}
		if deadline > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, deadline)
			defer cancel()
		}
		return next(ctx)
	}
}
