/*
Package lock provides named-resource mutual exclusion.

A Manager guarantees at most one holder per name at a time. Locks carry a
TTL so a crashed holder cannot wedge the resource: an expired lock is free
to steal, and Release checks ownership so the previous holder cannot
delete a stolen lock. Handles are idempotent to release.

Two implementations exist. LocalManager is a mutex-guarded map for
single-instance deployments. BoltManager stores lock rows in BoltDB and
acquires via compare-and-set inside one update transaction, so multiple
processes sharing the database file interpret the locks identically.
Both poll at 50ms, under the 100ms contract ceiling.

The orchestrator uses locks for the tracker's atomic close-out, for
approval state transitions, and to serialize concurrent deployments to
the same cluster.
*/
package lock
