// Package api hosts the admin HTTP server. Routes:
//   - GET /healthz and /readyz for probes; readyz pings the store.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for controller state and store counts.
//   - GET /v1/cooldowns for hosts currently excluded from claims.
//   - POST /v1/retry to re-queue a visited URL.
//   - POST /v1/shutdown to start a graceful drain.
//
// When an API key is configured, /v1 routes require it in X-API-Key.
package api
