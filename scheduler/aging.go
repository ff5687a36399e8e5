package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/xraph/sluice"
	"github.com/xraph/sluice/config"
	"github.com/xraph/sluice/queue"
)

// age raises the priority of Queued entries whose boost reference time
// (LastBoostAt when set, else QueuedAt) is older than the boost threshold.
// Stamping LastBoostAt bounds each entry to one increment per threshold
// period no matter how often the loop ticks.
func (s *Scheduler) age(ctx context.Context, cfg config.Config) error {
	cutoff := time.Now().UTC().Add(-cfg.PriorityBoostThreshold)

	eligible, err := s.store.ListBoostEligible(ctx, cutoff, queue.MaxPriority)
	if err != nil {
		return err
	}

	for _, ent := range eligible {
		oldPriority := ent.Priority

		boosted, boostErr := s.store.BoostEntry(ctx, ent.ID, queue.MaxPriority)
		if boostErr != nil {
			if errors.Is(boostErr, sluice.ErrEntryNotQueued) || errors.Is(boostErr, sluice.ErrEntryNotFound) {
				// Claimed or cancelled since the list.
				continue
			}
			return boostErr
		}

		s.extensions.EmitEntryBoosted(ctx, boosted, oldPriority)

		s.logger.Debug("boosted entry priority",
			slog.String("entry_id", boosted.ID.String()),
			slog.String("task_id", boosted.TaskID),
			slog.Int("old_priority", oldPriority),
			slog.Int("new_priority", boosted.Priority),
		)
	}

	return nil
}
