package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/podworks/cadence/job"
)

// Recover returns middleware that recovers from panics in the executor chain.
// Panics are converted to permanent failures and logged with a stack trace:
// a panicking executor will not start succeeding on retry.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("executor panicked",
					slog.String("job_id", j.ID.String()),
					slog.String("kind", string(j.Kind)),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				retErr = job.Permanent(fmt.Errorf("panic in %s executor: %v", j.Kind, r))
			}
		}()
		return next(ctx)
	}
}
