// Package api hosts the ops HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes health checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stats for per-phase status counts.
//   - GET and POST /v1/sites to list and register seeds.
//   - POST /v1/reset and /v1/reclaim to return failed or abandoned rows to
//     pending.
//   - GET /v1/urls/{id} and /v1/urls/{id}/dish to inspect one record.
package api
