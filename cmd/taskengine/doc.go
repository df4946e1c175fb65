// Package main hosts the task engine entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server validates creation requests and hands them to cache.Creator, which answers
//     repeated inputs with the existing Pending or Completed task and persists only the misses. Only newly created
//     ids are dispatched.
//   - Dispatch: in local mode batches flow through a bounded in-memory queue (orchestrator.queue_depth) to a fixed
//     pool of runners (orchestrator.local_workers). In temporal mode each batch starts one workflow and "taskengine
//     worker" processes run one retryable activity per task.
//   - Execution: executor.Executor claims a batch in one statement, runs every task as an isolated unit through its
//     scraper, records the outcome and folds finished children into their parent.
//   - Scrapers: scrape_md drives Chrome through chromedp, escalating direct -> proxy -> remote CDP on bot detection,
//     and converts the page to Markdown; scrape_html fetches with colly and can split the page by CSS selector.
//   - Persistence & fanout: tasks live in Postgres, SQLite or memory. Page snapshots go to the configured BlobStore
//     (memory/local/GCS) and task events to Pub/Sub when configured.
//   - Configuration & plumbing: Viper populates config from files and TASKENGINE_* env vars (a .env file is loaded
//     first); zap provides structured logging; Prometheus metrics are served on /metrics; OpenTelemetry spans wrap
//     each task and propagate into Pub/Sub attributes.
//
// Quick checklist:
//   - Run locally: go run ./cmd/taskengine serve (SQLite file taskengine.db, in-process workers).
//   - Create the schema ahead of time: taskengine migrate --config config.yaml.
//   - Temporal: set orchestrator.mode=temporal and temporal.host_port, then run "serve" and one or more "worker".
package main
