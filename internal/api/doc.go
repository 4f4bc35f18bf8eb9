// Package api hosts the HTTP server for operators. Routes:
//   - GET /healthz and /readyz for probes, GET /metrics for Prometheus.
//   - POST /v1/audits to start an audit; GET /v1/audits to list them.
//   - GET /v1/audits/{id}, /frontier and /citations to inspect one.
//   - POST /v1/audits/{id}/tick to run a tick synchronously.
//   - POST /v1/watchdog/sweep to run the watchdog once.
package api
