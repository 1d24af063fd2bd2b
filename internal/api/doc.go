// Package api hosts the HTTP façade over the task queue. Notable routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /jobs and /jobs/{id} to inspect tasks; /jobs accepts ?status=.
//   - POST /add, /requeue/{id}, /clear_completed, /clear_all,
//     /set_concurrency, /compact and /update_ytdlp for operator actions.
//
// Every route except /healthz and /metrics sits behind the optional API key.
package api
