package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/sluice/admission"
	"github.com/xraph/sluice/ext"
	"github.com/xraph/sluice/queue"
)

// Compile-time interface checks.
var (
	_ ext.Extension      = (*Extension)(nil)
	_ ext.EntryEnqueued  = (*Extension)(nil)
	_ ext.EntryClaimed   = (*Extension)(nil)
	_ ext.EntryCompleted = (*Extension)(nil)
	_ ext.EntryFailed    = (*Extension)(nil)
	_ ext.EntryRequeued  = (*Extension)(nil)
	_ ext.EntryBoosted   = (*Extension)(nil)
	_ ext.EntryCancelled = (*Extension)(nil)
	_ ext.EntryRecovered = (*Extension)(nil)
	_ ext.CapacityDenied = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
// It matches chronicle.Emitter but is defined locally so that this package
// does not import Chronicle directly; callers inject the concrete
// *chronicle.Chronicle at wiring time.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
// It mirrors chronicle/audit.Event but avoids a module dependency.
// Callers provide a RecorderFunc adapter that bridges to their audit backend.
type AuditEvent struct {
	// What happened
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	// Details
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
//
// Example bridging to Chronicle:
//
//	audithook.RecorderFunc(func(ctx context.Context, evt *audithook.AuditEvent) error {
//	    b := chronicle.Info(ctx, evt.Action, evt.Resource, evt.ResourceID).
//	        Category(evt.Category).
//	        Outcome(evt.Outcome)
//	    for k, v := range evt.Metadata {
//	        b = b.Meta(k, v)
//	    }
//	    return b.Record()
//	})
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Severity constants (mirror chronicle/audit).
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants (mirror chronicle/audit).
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension bridges Sluice lifecycle events to an audit trail backend.
// Each lifecycle hook emits a structured audit event through the [Recorder].
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit-hook" }

// ── Entry lifecycle hooks ───────────────────────────

// OnEntryEnqueued implements ext.EntryEnqueued.
func (e *Extension) OnEntryEnqueued(ctx context.Context, ent *queue.Entry) error {
	return e.record(ctx, ActionEntryEnqueued, SeverityInfo, OutcomeSuccess,
		ResourceEntry, ent.ID.String(), CategoryEntry, nil,
		"task_id", ent.TaskID,
		"tenant_id", ent.TenantID,
		"priority", ent.Priority,
	)
}

// OnEntryClaimed implements ext.EntryClaimed.
func (e *Extension) OnEntryClaimed(ctx context.Context, ent *queue.Entry) error {
	return e.record(ctx, ActionEntryClaimed, SeverityInfo, OutcomeSuccess,
		ResourceEntry, ent.ID.String(), CategoryEntry, nil,
		"task_id", ent.TaskID,
		"tenant_id", ent.TenantID,
		"worker_id", ent.WorkerID.String(),
		"attempt", ent.Attempts,
	)
}

// OnEntryCompleted implements ext.EntryCompleted.
func (e *Extension) OnEntryCompleted(ctx context.Context, ent *queue.Entry, elapsed time.Duration) error {
	return e.record(ctx, ActionEntryCompleted, SeverityInfo, OutcomeSuccess,
		ResourceEntry, ent.ID.String(), CategoryEntry, nil,
		"task_id", ent.TaskID,
		"tenant_id", ent.TenantID,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnEntryFailed implements ext.EntryFailed.
func (e *Extension) OnEntryFailed(ctx context.Context, ent *queue.Entry, entErr error) error {
	return e.record(ctx, ActionEntryFailed, SeverityCritical, OutcomeFailure,
		ResourceEntry, ent.ID.String(), CategoryEntry, entErr,
		"task_id", ent.TaskID,
		"tenant_id", ent.TenantID,
		"attempts", ent.Attempts,
		"max_attempts", ent.MaxAttempts,
	)
}

// OnEntryRequeued implements ext.EntryRequeued.
func (e *Extension) OnEntryRequeued(ctx context.Context, ent *queue.Entry, reason string) error {
	return e.record(ctx, ActionEntryRequeued, SeverityWarning, OutcomeFailure,
		ResourceEntry, ent.ID.String(), CategoryEntry, nil,
		"task_id", ent.TaskID,
		"tenant_id", ent.TenantID,
		"attempts", ent.Attempts,
		"max_attempts", ent.MaxAttempts,
		"reason", reason,
	)
}

// OnEntryBoosted implements ext.EntryBoosted.
func (e *Extension) OnEntryBoosted(ctx context.Context, ent *queue.Entry, oldPriority int) error {
	return e.record(ctx, ActionEntryBoosted, SeverityInfo, OutcomeSuccess,
		ResourceEntry, ent.ID.String(), CategoryEntry, nil,
		"task_id", ent.TaskID,
		"tenant_id", ent.TenantID,
		"old_priority", oldPriority,
		"priority", ent.Priority,
	)
}

// OnEntryCancelled implements ext.EntryCancelled.
func (e *Extension) OnEntryCancelled(ctx context.Context, ent *queue.Entry) error {
	return e.record(ctx, ActionEntryCancelled, SeverityInfo, OutcomeSuccess,
		ResourceEntry, ent.ID.String(), CategoryEntry, nil,
		"task_id", ent.TaskID,
		"tenant_id", ent.TenantID,
	)
}

// OnEntryRecovered implements ext.EntryRecovered.
// Fires once per abandoned in-flight entry found during startup recovery.
func (e *Extension) OnEntryRecovered(ctx context.Context, ent *queue.Entry) error {
	return e.record(ctx, ActionEntryRecovered, SeverityWarning, OutcomeFailure,
		ResourceEntry, ent.ID.String(), CategoryEntry, nil,
		"task_id", ent.TaskID,
		"tenant_id", ent.TenantID,
		"attempts", ent.Attempts,
	)
}

// ── Capacity hooks ──────────────────────────────────

// OnCapacityDenied implements ext.CapacityDenied.
func (e *Extension) OnCapacityDenied(ctx context.Context, tenantID string, d admission.Decision) error {
	return e.record(ctx, ActionCapacityDenied, SeverityWarning, OutcomeFailure,
		ResourceTenant, tenantID, CategoryCapacity, nil,
		"factor", string(d.Factor),
		"current", d.Current,
		"max", d.Max,
	)
}

// ── Internal helpers ────────────────────────────────

// record builds and sends an audit event if the action is enabled.
// The kvPairs argument is a list of key-value pairs added to Metadata.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
