/*
Package orchestrator is the engine's public entry point. It accepts
deployment submissions onto a bounded queue, runs each one through the
pipeline on a fixed worker pool, and answers status, listing, and
rollback requests. A full queue rejects with a typed backpressure
error; deployments to the same cluster serialize through the lock
manager while distinct clusters roll out in parallel.
*/
package orchestrator
