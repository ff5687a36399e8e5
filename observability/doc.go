// Package observability publishes queue lifecycle metrics.
//
// MetricsExtension implements the ext hook interfaces and counts entry
// lifecycle events on OpenTelemetry counters. Register it on the extension
// registry; with no MeterProvider configured the OTel API hands back noop
// instruments and the counters cost nothing.
//
// For per-execution tracing and timing, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
