package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/sluice"
	"github.com/xraph/sluice/admission"
	"github.com/xraph/sluice/config"
	"github.com/xraph/sluice/id"
	"github.com/xraph/sluice/queue"
)

// Enqueue inserts a Queued entry for taskID on behalf of tenantID. It
// fails with sluice.ErrQueueFull when the active (queued plus processing)
// count has reached max_queue_length and with sluice.ErrAlreadyQueued
// when a live entry for the task already exists. Enqueue does not consult
// admission: a queue legitimately holds more work than can run at once.
func (eng *Engine) Enqueue(ctx context.Context, taskID, tenantID string, opts ...queue.Option) (*queue.Entry, error) {
	cfg, err := eng.loader.Load(ctx)
	if err != nil {
		return nil, err
	}

	active, err := eng.queueStore.CountActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("count active entries: %w", err)
	}
	if cfg.MaxQueueLength > 0 && active >= cfg.MaxQueueLength {
		return nil, fmt.Errorf("sluice: %d entries active, limit %d: %w",
			active, cfg.MaxQueueLength, sluice.ErrQueueFull)
	}

	ent := queue.NewEntry(taskID, tenantID, opts...)
	if err := eng.queueStore.CreateEntry(ctx, ent); err != nil {
		return nil, err
	}

	eng.extensions.EmitEntryEnqueued(ctx, ent)

	eng.logger.Info("entry enqueued",
		slog.String("entry_id", ent.ID.String()),
		slog.String("task_id", taskID),
		slog.String("tenant_id", tenantID),
		slog.Int("priority", ent.Priority),
	)

	return ent, nil
}

// Dequeue performs one dispatch step under this engine's worker identity:
// it claims the highest-priority Queued entry whose tenant is under its
// concurrency limit, or returns (nil, nil) when there is no eligible
// work. The caller owns the claimed entry and reports its outcome through
// Complete.
func (eng *Engine) Dequeue(ctx context.Context) (*queue.Entry, error) {
	return eng.scheduler.DequeueOne(ctx)
}

// Complete reports the outcome of a claimed entry on behalf of workerID.
// The write succeeds only while workerID still owns the entry; a stale
// completion, where the reaper or recovery has already taken the entry
// back, is logged and reported as false with no error. On success=false
// the entry is requeued while attempts remain, otherwise failed.
func (eng *Engine) Complete(ctx context.Context, entryID id.EntryID, workerID id.WorkerID, success bool, errMsg string) (bool, error) {
	updated, err := eng.queueStore.CompleteEntry(ctx, entryID, workerID, success, errMsg)
	if err != nil {
		if errors.Is(err, sluice.ErrOwnershipMismatch) ||
			errors.Is(err, sluice.ErrEntryNotProcessing) ||
			errors.Is(err, sluice.ErrEntryNotFound) {
			eng.logger.Warn("stale completion rejected",
				slog.String("entry_id", entryID.String()),
				slog.String("worker_id", workerID.String()),
				slog.String("error", err.Error()),
			)
			return false, nil
		}
		return false, err
	}

	switch {
	case success:
		var elapsed time.Duration
		if updated.StartedAt != nil && updated.CompletedAt != nil {
			elapsed = updated.CompletedAt.Sub(*updated.StartedAt)
		}
		eng.extensions.EmitEntryCompleted(ctx, updated, elapsed)
	case updated.Status == queue.StatusQueued:
		eng.extensions.EmitEntryRequeued(ctx, updated, errMsg)
	default:
		failErr := errors.New("execution failed")
		if errMsg != "" {
			failErr = errors.New(errMsg)
		}
		eng.extensions.EmitEntryFailed(ctx, updated, failErr)
	}

	return true, nil
}

// Cancel cancels the Queued entry for taskID if tenantID owns it. It
// returns false when no live entry exists for the task and tenant or the
// entry has already started processing; in-flight work is not preempted.
func (eng *Engine) Cancel(ctx context.Context, taskID, tenantID string) (bool, error) {
	cancelled, err := eng.queueStore.CancelEntry(ctx, taskID, tenantID)
	if err != nil {
		if errors.Is(err, sluice.ErrEntryNotFound) || errors.Is(err, sluice.ErrEntryNotQueued) {
			return false, nil
		}
		return false, err
	}

	eng.extensions.EmitEntryCancelled(ctx, cancelled)

	eng.logger.Info("entry cancelled",
		slog.String("entry_id", cancelled.ID.String()),
		slog.String("task_id", taskID),
		slog.String("tenant_id", tenantID),
	)

	return true, nil
}

// CheckUserLimit reports whether tenantID may start n more executions
// under their concurrency ceiling.
func (eng *Engine) CheckUserLimit(ctx context.Context, tenantID string, n int) (admission.Decision, error) {
	return eng.admission.CheckUser(ctx, tenantID, n)
}

// CheckSystemLimit reports whether n more executions fit under the
// system-wide ceiling.
func (eng *Engine) CheckSystemLimit(ctx context.Context, n int) (admission.Decision, error) {
	return eng.admission.CheckSystem(ctx, n)
}

// Admit is the submission-time gate: may tenantID start n more executions
// right now. Denials notify extensions and return a
// *sluice.CapacityError naming the limiting factor.
func (eng *Engine) Admit(ctx context.Context, tenantID string, n int) error {
	err := eng.admission.Admit(ctx, tenantID, n)

	var capErr *sluice.CapacityError
	if errors.As(err, &capErr) {
		eng.extensions.EmitCapacityDenied(ctx, tenantID, admission.Decision{
			Allowed: false,
			Current: capErr.Current,
			Max:     capErr.Max,
			Factor:  capErr.Factor,
		})
	}

	return err
}

// Status returns a point-in-time queue summary: counts by status,
// per-tenant in-flight counts, the mean wait of queued work, and the
// estimated backlog seconds.
func (eng *Engine) Status(ctx context.Context) (*queue.Stats, error) {
	return eng.queueStore.Stats(ctx)
}

// Config returns the current typed configuration.
func (eng *Engine) Config(ctx context.Context) (config.Config, error) {
	return eng.loader.Load(ctx)
}

// SetConfig writes one configuration row and invalidates the loader
// cache, so the next tick observes the new value.
func (eng *Engine) SetConfig(ctx context.Context, key, value string) error {
	return eng.loader.Set(ctx, key, value)
}
