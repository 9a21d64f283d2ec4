// Package api hosts the ops/admin HTTP server. Notable routes:
//   - GET /healthz and /readyz for liveness and store readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/frontier/{pending,visited-urls,visited-hosts,counts} to inspect
//     the frontier tables.
//   - POST and DELETE /v1/frontier/pending to enqueue or retire URLs by hand.
package api
