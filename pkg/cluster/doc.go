/*
Package cluster models worker nodes and per-environment clusters.

A Node is the unit a rollout strategy operates on. Each node tracks its
current and previous artifact, its last heartbeat, and four health
counters. Applying or rolling back an artifact holds the node's logical
lock for the full duration of the operation, so a strategy borrows the
node exclusively while working on it. Reapplying the installed artifact is
a no-op success; rollback requires a previous artifact and consumes it.

A Cluster is one environment's node set plus the blue-green traffic
pointer. Membership mutates only through AddNode/RemoveNode; strategies
take a sorted copy of the node set at rollout start and never include
nodes added afterwards. A node removed mid-rollout fails its next apply.

Health evaluation is pure (EvaluateNode, EvaluateCluster): a node is
Healthy iff its heartbeat is fresh and every counter is under its ceiling;
a cluster is Healthy iff all nodes are, Degraded with up to k non-healthy
nodes, Unhealthy beyond k.

The Registry interface is the injected cluster-membership capability.
MemoryRegistry is the single-instance implementation; its nodes install
artifacts through an Applier, with SimulatedApplier standing in for the
real node-side capability.
*/
package cluster
