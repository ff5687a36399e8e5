// Package admission implements the two-tier concurrency admission check.
//
// A [Controller] answers allow/deny for new executions against two
// independent ceilings: a system-wide processing limit and a per-tenant
// processing limit. It is a stateless computation over the store's current
// in-flight counts; it never mutates the queue.
//
// Counting policy: admission counts processing entries only. Queue depth is
// a separate gate enforced at enqueue time (max_queue_length), so a queue
// may legitimately hold more items than can run concurrently.
//
//	d, err := ctrl.CheckBoth(ctx, tenantID, 1)
//	if err != nil { ... }
//	if !d.Allowed {
//	    // d.Factor says which ceiling denied: system, user, or both
//	}
//
// [Controller.Admit] is the raise-on-exceed form: it returns a typed
// *sluice.CapacityError naming the limiting factor instead of a Decision.
package admission
