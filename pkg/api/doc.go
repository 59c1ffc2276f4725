// Package api exposes the orchestration engine over JSON/HTTP:
// deployment submission, status, rollback, approval decisions, cluster
// health, and Prometheus metrics.
package api
