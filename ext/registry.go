package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/sluice/admission"
	"github.com/xraph/sluice/queue"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type entryEnqueuedEntry struct {
	name string
	hook EntryEnqueued
}

type entryClaimedEntry struct {
	name string
	hook EntryClaimed
}

type entryCompletedEntry struct {
	name string
	hook EntryCompleted
}

type entryFailedEntry struct {
	name string
	hook EntryFailed
}

type entryRequeuedEntry struct {
	name string
	hook EntryRequeued
}

type entryBoostedEntry struct {
	name string
	hook EntryBoosted
}

type entryCancelledEntry struct {
	name string
	hook EntryCancelled
}

type entryRecoveredEntry struct {
	name string
	hook EntryRecovered
}

type capacityDeniedEntry struct {
	name string
	hook CapacityDenied
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	entryEnqueued  []entryEnqueuedEntry
	entryClaimed   []entryClaimedEntry
	entryCompleted []entryCompletedEntry
	entryFailed    []entryFailedEntry
	entryRequeued  []entryRequeuedEntry
	entryBoosted   []entryBoostedEntry
	entryCancelled []entryCancelledEntry
	entryRecovered []entryRecoveredEntry
	capacityDenied []capacityDeniedEntry
	shutdown       []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(EntryEnqueued); ok {
		r.entryEnqueued = append(r.entryEnqueued, entryEnqueuedEntry{name, h})
	}
	if h, ok := e.(EntryClaimed); ok {
		r.entryClaimed = append(r.entryClaimed, entryClaimedEntry{name, h})
	}
	if h, ok := e.(EntryCompleted); ok {
		r.entryCompleted = append(r.entryCompleted, entryCompletedEntry{name, h})
	}
	if h, ok := e.(EntryFailed); ok {
		r.entryFailed = append(r.entryFailed, entryFailedEntry{name, h})
	}
	if h, ok := e.(EntryRequeued); ok {
		r.entryRequeued = append(r.entryRequeued, entryRequeuedEntry{name, h})
	}
	if h, ok := e.(EntryBoosted); ok {
		r.entryBoosted = append(r.entryBoosted, entryBoostedEntry{name, h})
	}
	if h, ok := e.(EntryCancelled); ok {
		r.entryCancelled = append(r.entryCancelled, entryCancelledEntry{name, h})
	}
	if h, ok := e.(EntryRecovered); ok {
		r.entryRecovered = append(r.entryRecovered, entryRecoveredEntry{name, h})
	}
	if h, ok := e.(CapacityDenied); ok {
		r.capacityDenied = append(r.capacityDenied, capacityDeniedEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Entry event emitters
// ──────────────────────────────────────────────────

// EmitEntryEnqueued notifies all extensions that implement EntryEnqueued.
func (r *Registry) EmitEntryEnqueued(ctx context.Context, ent *queue.Entry) {
	for _, e := range r.entryEnqueued {
		if err := e.hook.OnEntryEnqueued(ctx, ent); err != nil {
			r.logHookError("OnEntryEnqueued", e.name, err)
		}
	}
}

// EmitEntryClaimed notifies all extensions that implement EntryClaimed.
func (r *Registry) EmitEntryClaimed(ctx context.Context, ent *queue.Entry) {
	for _, e := range r.entryClaimed {
		if err := e.hook.OnEntryClaimed(ctx, ent); err != nil {
			r.logHookError("OnEntryClaimed", e.name, err)
		}
	}
}

// EmitEntryCompleted notifies all extensions that implement EntryCompleted.
func (r *Registry) EmitEntryCompleted(ctx context.Context, ent *queue.Entry, elapsed time.Duration) {
	for _, e := range r.entryCompleted {
		if err := e.hook.OnEntryCompleted(ctx, ent, elapsed); err != nil {
			r.logHookError("OnEntryCompleted", e.name, err)
		}
	}
}

// EmitEntryFailed notifies all extensions that implement EntryFailed.
func (r *Registry) EmitEntryFailed(ctx context.Context, ent *queue.Entry, entErr error) {
	for _, e := range r.entryFailed {
		if err := e.hook.OnEntryFailed(ctx, ent, entErr); err != nil {
			r.logHookError("OnEntryFailed", e.name, err)
		}
	}
}

// EmitEntryRequeued notifies all extensions that implement EntryRequeued.
func (r *Registry) EmitEntryRequeued(ctx context.Context, ent *queue.Entry, reason string) {
	for _, e := range r.entryRequeued {
		if err := e.hook.OnEntryRequeued(ctx, ent, reason); err != nil {
			r.logHookError("OnEntryRequeued", e.name, err)
		}
	}
}

// EmitEntryBoosted notifies all extensions that implement EntryBoosted.
func (r *Registry) EmitEntryBoosted(ctx context.Context, ent *queue.Entry, oldPriority int) {
	for _, e := range r.entryBoosted {
		if err := e.hook.OnEntryBoosted(ctx, ent, oldPriority); err != nil {
			r.logHookError("OnEntryBoosted", e.name, err)
		}
	}
}

// EmitEntryCancelled notifies all extensions that implement EntryCancelled.
func (r *Registry) EmitEntryCancelled(ctx context.Context, ent *queue.Entry) {
	for _, e := range r.entryCancelled {
		if err := e.hook.OnEntryCancelled(ctx, ent); err != nil {
			r.logHookError("OnEntryCancelled", e.name, err)
		}
	}
}

// EmitEntryRecovered notifies all extensions that implement EntryRecovered.
func (r *Registry) EmitEntryRecovered(ctx context.Context, ent *queue.Entry) {
	for _, e := range r.entryRecovered {
		if err := e.hook.OnEntryRecovered(ctx, ent); err != nil {
			r.logHookError("OnEntryRecovered", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitCapacityDenied notifies all extensions that implement CapacityDenied.
func (r *Registry) EmitCapacityDenied(ctx context.Context, tenantID string, d admission.Decision) {
	for _, e := range r.capacityDenied {
		if err := e.hook.OnCapacityDenied(ctx, tenantID, d); err != nil {
			r.logHookError("OnCapacityDenied", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated — they must not block the pipeline.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
