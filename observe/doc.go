// Package observe provides observability primitives for provider calls and
// subscriber fan-out.
//
// It is a pure instrumentation library: no execution, no transport, no I/O
// beyond exporter setup. The resilience executor and the fan-out manager
// accept a Logger, Metrics and Tracer through their options; Telemetry
// bundles all three from a configured Observer.
package observe
