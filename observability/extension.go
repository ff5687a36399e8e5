package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/sluice/admission"
	"github.com/xraph/sluice/ext"
	"github.com/xraph/sluice/queue"
)

// meterName is the instrumentation scope name for lifecycle metrics.
const meterName = "github.com/xraph/sluice/observability"

// Compile-time interface checks.
var (
	_ ext.Extension      = (*MetricsExtension)(nil)
	_ ext.EntryEnqueued  = (*MetricsExtension)(nil)
	_ ext.EntryClaimed   = (*MetricsExtension)(nil)
	_ ext.EntryCompleted = (*MetricsExtension)(nil)
	_ ext.EntryFailed    = (*MetricsExtension)(nil)
	_ ext.EntryRequeued  = (*MetricsExtension)(nil)
	_ ext.EntryBoosted   = (*MetricsExtension)(nil)
	_ ext.EntryCancelled = (*MetricsExtension)(nil)
	_ ext.EntryRecovered = (*MetricsExtension)(nil)
	_ ext.CapacityDenied = (*MetricsExtension)(nil)
)

// MetricsExtension records system-wide lifecycle counters: enqueue rates,
// completions, failures, requeues, priority boosts, cancellations, startup
// recoveries, and admission denials. All entry counters carry a tenant_id
// attribute; the denial counter additionally carries the limiting factor.
type MetricsExtension struct {
	enqueued  metric.Int64Counter
	claimed   metric.Int64Counter
	completed metric.Int64Counter
	failed    metric.Int64Counter
	requeued  metric.Int64Counter
	boosted   metric.Int64Counter
	cancelled metric.Int64Counter
	recovered metric.Int64Counter
	denied    metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension using the global OTel
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension on the provided
// meter. This variant allows injecting a specific MeterProvider for
// testing.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	m := &MetricsExtension{}

	// Instrument constructors only fail on malformed names; the OTel API
	// hands back a usable noop instrument either way.
	m.enqueued, _ = meter.Int64Counter("sluice.entry.enqueued",
		metric.WithDescription("Entries accepted into the queue"),
		metric.WithUnit("{entry}"))
	m.claimed, _ = meter.Int64Counter("sluice.entry.claimed",
		metric.WithDescription("Entries claimed for execution"),
		metric.WithUnit("{entry}"))
	m.completed, _ = meter.Int64Counter("sluice.entry.completed",
		metric.WithDescription("Entries completed successfully"),
		metric.WithUnit("{entry}"))
	m.failed, _ = meter.Int64Counter("sluice.entry.failed",
		metric.WithDescription("Entries failed terminally"),
		metric.WithUnit("{entry}"))
	m.requeued, _ = meter.Int64Counter("sluice.entry.requeued",
		metric.WithDescription("Entries returned to the queue for another attempt"),
		metric.WithUnit("{entry}"))
	m.boosted, _ = meter.Int64Counter("sluice.entry.boosted",
		metric.WithDescription("Priority boosts applied by aging"),
		metric.WithUnit("{boost}"))
	m.cancelled, _ = meter.Int64Counter("sluice.entry.cancelled",
		metric.WithDescription("Entries cancelled by their tenant"),
		metric.WithUnit("{entry}"))
	m.recovered, _ = meter.Int64Counter("sluice.entry.recovered",
		metric.WithDescription("Entries failed by startup recovery"),
		metric.WithUnit("{entry}"))
	m.denied, _ = meter.Int64Counter("sluice.admission.denied",
		metric.WithDescription("Admission requests denied at a concurrency ceiling"),
		metric.WithUnit("{request}"))

	return m
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func tenantAttr(tenantID string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("tenant_id", tenantID))
}

// ── Entry lifecycle hooks ───────────────────────────

// OnEntryEnqueued implements ext.EntryEnqueued.
func (m *MetricsExtension) OnEntryEnqueued(ctx context.Context, ent *queue.Entry) error {
	m.enqueued.Add(ctx, 1, tenantAttr(ent.TenantID))
	return nil
}

// OnEntryClaimed implements ext.EntryClaimed.
func (m *MetricsExtension) OnEntryClaimed(ctx context.Context, ent *queue.Entry) error {
	m.claimed.Add(ctx, 1, tenantAttr(ent.TenantID))
	return nil
}

// OnEntryCompleted implements ext.EntryCompleted.
func (m *MetricsExtension) OnEntryCompleted(ctx context.Context, ent *queue.Entry, _ time.Duration) error {
	m.completed.Add(ctx, 1, tenantAttr(ent.TenantID))
	return nil
}

// OnEntryFailed implements ext.EntryFailed.
func (m *MetricsExtension) OnEntryFailed(ctx context.Context, ent *queue.Entry, _ error) error {
	m.failed.Add(ctx, 1, tenantAttr(ent.TenantID))
	return nil
}

// OnEntryRequeued implements ext.EntryRequeued.
func (m *MetricsExtension) OnEntryRequeued(ctx context.Context, ent *queue.Entry, _ string) error {
	m.requeued.Add(ctx, 1, tenantAttr(ent.TenantID))
	return nil
}

// OnEntryBoosted implements ext.EntryBoosted.
func (m *MetricsExtension) OnEntryBoosted(ctx context.Context, ent *queue.Entry, _ int) error {
	m.boosted.Add(ctx, 1, tenantAttr(ent.TenantID))
	return nil
}

// OnEntryCancelled implements ext.EntryCancelled.
func (m *MetricsExtension) OnEntryCancelled(ctx context.Context, ent *queue.Entry) error {
	m.cancelled.Add(ctx, 1, tenantAttr(ent.TenantID))
	return nil
}

// OnEntryRecovered implements ext.EntryRecovered.
func (m *MetricsExtension) OnEntryRecovered(ctx context.Context, ent *queue.Entry) error {
	m.recovered.Add(ctx, 1, tenantAttr(ent.TenantID))
	return nil
}

// ── Admission hooks ─────────────────────────────────

// OnCapacityDenied implements ext.CapacityDenied.
func (m *MetricsExtension) OnCapacityDenied(ctx context.Context, tenantID string, d admission.Decision) error {
	m.denied.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("factor", string(d.Factor)),
	))
	return nil
}
