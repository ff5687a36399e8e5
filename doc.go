// Package sluice provides a persisted, multi-tenant job queue with two-tier
// concurrency admission control for Go.
//
// Work enters a durable queue and is dispatched onto a bounded pool of
// concurrent executions under two independent ceilings: a global system limit
// and a per-tenant limit. Entries that out-wait a threshold have their
// priority boosted so no tenant starves, entries stuck in flight past a
// timeout are reaped and retried or failed, and a startup recovery pass fails
// orphaned work before redispatching the backlog under current capacity.
//
// # Quick Start
//
//	eng, err := engine.New(
//	    engine.WithStore(memory.New()),
//	    engine.WithExecutor(scheduler.ExecutorFunc(run)),
//	)
//
// # Architecture
//
// Sluice follows a composable store pattern where each subsystem (queue,
// config, cluster) defines its own store interface. A single backend
// implements all of them.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package sluice
