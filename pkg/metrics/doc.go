/*
Package metrics exposes Drover's Prometheus instrumentation.

Collectors are package-level variables registered at init and incremented
from the orchestrator, pipeline, approval gate, and strategies. Handler
returns the scrape endpoint mounted at /metrics by the API server.
*/
package metrics
