// Package observability provides an OpenTelemetry-based metrics hook
// for the fabric. Metrics implements the lifecycle hook interfaces and
// records system-wide counters for task submission, completion,
// failure, retries, reassignment, peer churn, role changes, and
// schedule fires. Register it through node.WithHooks.
//
// For per-execution tracing and timing on the worker path, see the
// middleware package: middleware.Tracing() and middleware.Metrics().
package observability
