package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/sluice/queue"
)

// Timeout returns middleware that enforces a per-execution deadline.
// The limit function is consulted on every execution, so a changed
// task_timeout applies to new executions without rebuilding the chain.
// A non-positive limit disables the deadline. When the deadline is
// exceeded the context is cancelled and the executor should return
// context.DeadlineExceeded.
func Timeout(limit func() time.Duration, logger *slog.Logger) Middleware {
	return func(ctx context.Context, ent *queue.Entry, next Handler) error {
		if d := limit(); d > 0 {
			logger.Debug("entry timeout set",
				slog.String("entry_id", ent.ID.String()),
				slog.Duration("timeout", d),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return next(ctx)
	}
}
