// Package ext defines the extension system for Sluice.
// Extensions are notified of lifecycle events (entry enqueued, completed,
// failed, etc.) and can react to them — logging, metrics, auditing, etc.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/xraph/sluice/admission"
	"github.com/xraph/sluice/queue"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Entry lifecycle hooks
// ──────────────────────────────────────────────────

// EntryEnqueued is called after an entry is successfully enqueued.
type EntryEnqueued interface {
	OnEntryEnqueued(ctx context.Context, ent *queue.Entry) error
}

// EntryClaimed is called when a worker claims an entry and hands it to
// the executor.
type EntryClaimed interface {
	OnEntryClaimed(ctx context.Context, ent *queue.Entry) error
}

// EntryCompleted is called after an entry finishes successfully.
type EntryCompleted interface {
	OnEntryCompleted(ctx context.Context, ent *queue.Entry, elapsed time.Duration) error
}

// EntryFailed is called when an entry fails terminally (no attempts left).
type EntryFailed interface {
	OnEntryFailed(ctx context.Context, ent *queue.Entry, err error) error
}

// EntryRequeued is called when an entry returns to the queue for another
// attempt, either after a failed execution or after a timeout reap.
// The reason describes what sent it back.
type EntryRequeued interface {
	OnEntryRequeued(ctx context.Context, ent *queue.Entry, reason string) error
}

// EntryBoosted is called when aging raises an entry's priority.
type EntryBoosted interface {
	OnEntryBoosted(ctx context.Context, ent *queue.Entry, oldPriority int) error
}

// EntryCancelled is called when a tenant cancels one of its queued entries.
type EntryCancelled interface {
	OnEntryCancelled(ctx context.Context, ent *queue.Entry) error
}

// EntryRecovered is called during startup recovery for each entry that
// was found in-flight after an unclean shutdown and reset.
type EntryRecovered interface {
	OnEntryRecovered(ctx context.Context, ent *queue.Entry) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// CapacityDenied is called when an admission request is rejected at a
// concurrency ceiling. The decision carries the factor and counts.
type CapacityDenied interface {
	OnCapacityDenied(ctx context.Context, tenantID string, d admission.Decision) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
