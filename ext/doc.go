// Package ext defines the extension system for Sluice.
//
// Extensions are notified of lifecycle events and can react to them —
// recording metrics, emitting webhooks, writing audit logs, etc.
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnEntryCompleted(ctx context.Context, ent *queue.Entry, elapsed time.Duration) error {
//	    log.Printf("entry %s completed in %s", ent.ID, elapsed)
//	    return nil
//	}
//
// # Entry Lifecycle Hooks
//
//   - [EntryEnqueued] — entry was accepted into the queue
//   - [EntryClaimed] — a worker claimed the entry and began execution
//   - [EntryCompleted] — execution finished successfully
//   - [EntryFailed] — entry failed with no attempts remaining
//   - [EntryRequeued] — entry went back to the queue for another attempt
//   - [EntryBoosted] — aging raised the entry's priority
//   - [EntryCancelled] — a tenant cancelled the entry before it ran
//   - [EntryRecovered] — startup recovery handled an entry orphaned by
//     an unclean shutdown
//
// # Other Hooks
//
//   - [CapacityDenied] — an admission request was rejected at a
//     concurrency ceiling
//   - [Shutdown] — the engine is shutting down gracefully
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface.
package ext
