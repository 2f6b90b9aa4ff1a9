// Package observability provides logging, metrics and tracing for the sync
// client.
//
// Logging is log/slog with level parsing and redaction of credentials that
// may appear in endpoint URLs or transport errors. Metrics are Prometheus
// collectors registered on a caller-supplied registerer so several clients
// (or tests) can coexist. Tracing wraps OpenTelemetry and degrades to the
// global no-op provider when no collector endpoint is configured.
package observability
