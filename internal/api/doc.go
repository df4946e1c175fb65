// Package api hosts the HTTP server, middleware, and REST handlers for the
// task engine. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /api/tasks/create-task-async, create-task-sync and
//     create-task-group for task creation.
//   - GET /api/tasks/ and /api/tasks/{task_id}[/results] for reads.
//   - PATCH /api/tasks/{task_id}/abort and DELETE /api/tasks/{task_id}.
package api
