package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/sluice"
	"github.com/xraph/sluice/config"
)

// reap handles Processing entries whose wall-clock deadline has passed:
// back to Queued while attempts remain, Failed otherwise. Attempts were
// already incremented at claim time, so a requeued entry consumed one.
// Executions carry no renewable heartbeat; task_timeout must sit above the
// slowest legitimate run.
func (s *Scheduler) reap(ctx context.Context, cfg config.Config) error {
	cutoff := time.Now().UTC().Add(-cfg.TaskTimeout)

	expired, err := s.store.ListExpiredProcessing(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, ent := range expired {
		msg := fmt.Sprintf("processing timed out after %s", cfg.TaskTimeout)

		if ent.Attempts < ent.MaxAttempts {
			requeued, requeueErr := s.store.RequeueEntry(ctx, ent.ID, msg)
			if requeueErr != nil {
				if errors.Is(requeueErr, sluice.ErrEntryNotProcessing) || errors.Is(requeueErr, sluice.ErrEntryNotFound) {
					// Finished or reaped elsewhere between the list and the write.
					continue
				}
				return requeueErr
			}

			s.extensions.EmitEntryRequeued(ctx, requeued, msg)

			s.logger.Info("requeued expired entry",
				slog.String("entry_id", requeued.ID.String()),
				slog.String("task_id", requeued.TaskID),
				slog.Int("attempt", requeued.Attempts),
				slog.Int("max_attempts", requeued.MaxAttempts),
			)
			continue
		}

		failed, failErr := s.store.FailEntry(ctx, ent.ID, msg)
		if failErr != nil {
			if errors.Is(failErr, sluice.ErrEntryNotProcessing) || errors.Is(failErr, sluice.ErrEntryNotFound) {
				continue
			}
			return failErr
		}

		s.extensions.EmitEntryFailed(ctx, failed, errors.New(msg))

		s.logger.Warn("failed expired entry, attempts exhausted",
			slog.String("entry_id", failed.ID.String()),
			slog.String("task_id", failed.TaskID),
			slog.Int("attempts", failed.Attempts),
		)
	}

	return nil
}
