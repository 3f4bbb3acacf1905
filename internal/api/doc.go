// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/sources lists the registered sources.
//   - POST /v1/sources/{name}/runs starts a background run; 409 while one is
//     already in progress.
//   - GET /v1/runs/{run_id} reports a run started through this server.
package api
