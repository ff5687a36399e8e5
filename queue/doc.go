// Package queue defines the queue entry entity, its state machine, and the
// store interface every backend implements.
//
// # Entry
//
// An [Entry] represents one pending or in-flight execution of an external
// task. It embeds [sluice.Entity] for timestamps and progresses through a
// state machine:
//
//	queued → processing → completed
//	queued → processing → queued (timeout or failed attempt, attempts remaining)
//	queued → processing → failed (attempts exhausted)
//	queued → cancelled
//
// Fields of note:
//   - TaskID: external task reference; at most one live entry per task
//   - TenantID: the submitting tenant, counted against the per-tenant ceiling
//   - Priority: 1..10, higher values are dispatched first; raised by aging
//   - Attempts / MaxAttempts: claim-counted retry budget
//   - WorkerID: owning worker, set only while processing
//   - LastBoostAt: marker bounding priority aging to one boost per period
//
// # Store
//
// [Store] is the persistence contract. Every state transition is a
// conditional single-record write: claims succeed only while the entry is
// still queued, completions only for the owning worker. Backends report a
// lost claim race as [sluice.ErrEntryNotQueued] rather than double-claiming.
package queue
