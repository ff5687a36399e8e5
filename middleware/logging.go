package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/sluice/queue"
)

// Logging returns middleware that logs execution start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, ent *queue.Entry, next Handler) error {
		logger.Info("entry execution started",
			slog.String("entry_id", ent.ID.String()),
			slog.String("task_id", ent.TaskID),
			slog.String("tenant_id", ent.TenantID),
			slog.Int("attempt", ent.Attempts),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("entry execution failed",
				slog.String("entry_id", ent.ID.String()),
				slog.String("task_id", ent.TaskID),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("entry execution completed",
				slog.String("entry_id", ent.ID.String()),
				slog.String("task_id", ent.TaskID),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
