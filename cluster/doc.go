// Package cluster provides worker registration, heartbeating, and
// lease-based leader election for multi-process deployments.
//
// When several Sluice processes share one store, the cluster package
// tracks which processes are alive and which one is the leader
// (responsible for startup recovery of orphaned entries).
//
// # Worker Entity
//
// Each running Sluice process registers itself as a [Worker] with:
//   - a unique [id.WorkerID]
//   - its hostname
//   - its executor pool size
//   - a state: [WorkerActive], [WorkerDraining], or [WorkerDead]
//
// Workers send periodic heartbeats. If a heartbeat is not received within
// the configured threshold, the worker is considered dead. Entry-level
// correctness never depends on this registry: the store's conditional
// claim writes guarantee single ownership, and the timeout reaper returns
// entries held by dead workers to the queue. The registry exists for
// operational visibility and for the recovery lease.
//
// # Leader Election
//
// One worker at a time holds leadership, acquired through
// [Store.AcquireLeadership] with a TTL and renewed with
// [Store.RenewLeadership]. The leader runs startup recovery; followers
// skip it. If leadership is lost mid-operation,
// [sluice.ErrLeadershipLost] is returned.
package cluster
