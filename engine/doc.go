// Package engine assembles the Sluice subsystems into one runnable
// instance and exposes the application-level operations.
//
// engine.New builds everything explicitly from options: the store is
// asserted into its queue, config, and cluster contracts, the config
// loader and admission controller are wired over it, extensions and the
// middleware chain are composed, and a scheduler plus recovery
// coordinator are created under one worker identity. Nothing is global;
// tests run isolated engines freely.
//
// # Building an Engine
//
//	eng, err := engine.New(
//	    engine.WithStore(st),
//	    engine.WithExecutor(scheduler.ExecutorFunc(run)),
//	    engine.WithLogger(logger),
//	)
//
// # Lifecycle
//
// Start runs startup recovery (lease-gated, so one process of a fleet
// performs it), registers the worker in the cluster registry, launches
// the heartbeat loop, and starts the scheduler loop. Stop drains the
// scheduler, deregisters the worker, notifies extensions, and closes
// the store.
//
// # Operations
//
//	ent, err := eng.Enqueue(ctx, taskID, tenantID, queue.WithPriority(8))
//	ent, err := eng.Dequeue(ctx)
//	ok, err  := eng.Complete(ctx, entryID, workerID, true, "")
//	ok, err  := eng.Cancel(ctx, taskID, tenantID)
//	d, err   := eng.CheckUserLimit(ctx, tenantID, 1)
//	stats, err := eng.Status(ctx)
//
// # Options
//
//   - [WithStore] — set the persistence backend (required)
//   - [WithExecutor] — set the work executor driven by the scheduler
//   - [WithLogger] — set the structured logger
//   - [WithExtension] — register a lifecycle extension
//   - [WithMiddleware] — append a middleware to the execution chain
//   - [WithBackoff] — set the tick-failure backoff strategy
//   - [WithTenantLimit] — install a per-tenant ceiling resolver
//   - [WithTracerProvider] — set the OpenTelemetry tracer provider
//   - [WithMeterProvider] — set the OpenTelemetry meter provider
//   - [WithConfigTTL] — set the config cache window
package engine
