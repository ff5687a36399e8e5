// Package recovery handles the queue's startup pass after a process
// restart.
//
// Any entry still marked Processing at startup belongs to a worker that did
// not survive; its executor state is gone and its result will never arrive.
// The Coordinator fails those entries outright, then walks the queued
// backlog in dispatch order and refills capacity through paced dispatches,
// so a restarted system resumes work immediately instead of draining one
// entry per check interval.
//
// The pass runs on one process only: the Coordinator takes a leadership
// lease through the cluster store before touching anything, and processes
// that lose the lease skip recovery entirely. A sole process always wins
// its own lease.
package recovery
