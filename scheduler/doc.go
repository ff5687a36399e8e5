// Package scheduler runs the per-process dispatch loop.
//
// Each tick the Scheduler reloads configuration, returns expired Processing
// entries to the queue or fails them (the reaper), raises the priority of
// entries that have waited past the boost threshold (aging), and performs at
// most one dispatch: select the highest-priority Queued entry whose tenant is
// under its concurrency limit, claim it with a conditional store write, and
// hand it to the Executor in its own goroutine. Executions are bounded by a
// weighted semaphore sized to the worker pool; a saturated pool dispatches
// nothing rather than claiming work it cannot run.
//
// Several scheduler processes may run against the same store. They coordinate
// only through the store's conditional transitions: a claim that loses the
// race surfaces as ErrEntryNotQueued and is treated as an idle tick, never as
// an error.
package scheduler
