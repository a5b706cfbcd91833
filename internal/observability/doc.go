// Package observability wires Prometheus metrics and OpenTelemetry tracing
// into the engine. Neither is required: a nil *Metrics records nothing, and
// spans go to the global tracer provider, which is a no-op until InitTracing
// installs an exporter.
package observability
