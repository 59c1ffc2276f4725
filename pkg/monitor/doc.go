/*
Package monitor provides the node metrics snapshots consumed by the canary
strategy and post-deploy validation.

A Provider reads per-node health counters from an injected Source, caching
each node's sample for a short TTL (10s by default) to bound the load
snapshots place on the fleet. Baseline snapshots bypass the cache so the
"before" picture is always fresh.

Degraded is the pure comparison helper: it averages both snapshots and
flags degradation when any counter exceeds its baseline scaled by the
configured policy factor. Empty sample sets are conservatively treated as
degraded.
*/
package monitor
