package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/podworks/cadence/job"
)

// Logging returns middleware that logs executor start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		logger.Info("job started",
			slog.String("job_id", j.ID.String()),
			slog.String("kind", string(j.Kind)),
			slog.String("owner", j.OwnerKey),
			slog.Int("attempt", j.Attempts+1),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("job execution failed",
				slog.String("job_id", j.ID.String()),
				slog.String("kind", string(j.Kind)),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("job completed",
				slog.String("job_id", j.ID.String()),
				slog.String("kind", string(j.Kind)),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
