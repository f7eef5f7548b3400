// Package telemetry wires OpenTelemetry tracing and metrics plus the
// Prometheus registry served on the admin address.
//
// Tracing and the directive instruments go through the global otel
// providers; pipeline, cache, audit and reload counters live on a Metrics
// value that components accept as an optional dependency. A nil *Metrics is
// valid and records nothing.
package telemetry
