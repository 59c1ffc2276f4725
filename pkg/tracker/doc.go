/*
Package tracker keeps the deployment status tables: live snapshots of
running pipeline executions and terminal results, each with its own
TTL. The invariant is that an execution id is never visible in both
tables at once; the pipeline's close-out moves it atomically from
in-progress to results.
*/
package tracker
