// Package sinks implements progress consumers: structured logs, Prometheus
// counters, and an event publisher for completions and alerts.
package sinks
