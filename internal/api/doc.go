// Package api hosts the HTTP server and middleware for operator access.
// Notable routes:
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
package api
