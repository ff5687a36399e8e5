// Package audithook is a Sluice extension that bridges lifecycle events
// to an immutable audit trail backend such as Chronicle.
//
// Every entry lifecycle hook and every capacity denial emits a structured
// audit event through the [Recorder] interface. The extension assigns
// severity levels (info for normal operations, warning for requeues,
// recoveries, and denials, critical for terminal failures) and metadata
// (task, tenant, worker, attempts, elapsed time).
//
// # Usage with Chronicle
//
//	audithook.New(audithook.RecorderFunc(func(ctx context.Context, evt *audithook.AuditEvent) error {
//	    return chronicle.Info(ctx, evt.Action, evt.Resource, evt.ResourceID).
//	        Category(evt.Category).
//	        Outcome(evt.Outcome).
//	        Record()
//	}))
//
// # Selective filtering
//
//	audithook.New(recorder,
//	    audithook.WithActions(
//	        audithook.ActionEntryFailed,
//	        audithook.ActionEntryRecovered,
//	        audithook.ActionCapacityDenied,
//	    ),
//	)
package audithook
