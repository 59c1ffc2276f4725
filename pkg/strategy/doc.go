/*
Package strategy implements the four rollout strategies.

Direct updates every node at once and is used for development. Rolling
moves through fixed-size batches, each gated on the batch reaching
healthy. Blue-green stages the artifact on the inactive pool, runs a
smoke phase, and flips the traffic pointer only on success. Canary
advances through cumulative waves with a soak and a metrics comparison
against a pre-rollout baseline after each one.

All strategies share the same failure discipline: nodes updated by the
current call are reverted in reverse order of update, per-node fan-out
is bounded by the configured concurrency limit, and a node whose
revert fails is marked inconsistent and left for an operator. No new
wave or batch starts after cancellation is observed.
*/
package strategy
