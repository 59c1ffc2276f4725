package cluster

import (
	"sort"
	"sync"
	"time"

	"github.com/cuemby/drover/pkg/errdefs"
	"github.com/cuemby/drover/pkg/types"
)

// Cluster is the set of worker nodes for one environment plus the
// blue-green traffic pointer. Node membership mutates only through
// AddNode/RemoveNode; strategies read a copy of the node set at rollout
// start and never mutate it.
type Cluster struct {
	env types.Environment

	mu         sync.RWMutex
	nodes      map[string]*Node
	activePool types.Pool
	nextPool   types.Pool
}

// NewCluster creates an empty cluster for the environment. Blue serves
// traffic initially.
func NewCluster(env types.Environment) *Cluster {
	return &Cluster{
		env:        env,
		nodes:      make(map[string]*Node),
		activePool: types.PoolBlue,
		nextPool:   types.PoolBlue,
	}
}

// Environment returns the cluster's environment.
func (c *Cluster) Environment() types.Environment {
	return c.env
}

// AddNode registers a new node, alternating pool assignment so the cluster
// stays split into two roughly equal blue-green halves.
func (c *Cluster) AddNode(hostname string, applier Applier) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()

	node := newNode(hostname, c.env, c.nextPool, applier)
	c.nextPool = c.nextPool.Other()
	c.nodes[node.ID()] = node
	return node
}

// RemoveNode deregisters a node. In-flight strategy work against the node
// fails at the next apply or rollback.
func (c *Cluster) RemoveNode(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.nodes[id]
	if !ok {
		return errdefs.Newf(errdefs.KindNotFound, "node %s not found in %s cluster", id, c.env)
	}
	node.markRemoved()
	delete(c.nodes, id)
	return nil
}

// Node returns the managed node with the given id.
func (c *Cluster) Node(id string) (*Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[id]
	return n, ok
}

// Nodes returns a copy of the node set, stable-sorted by node id
// ascending. Strategies use this order for deterministic tranche
// selection.
func (c *Cluster) Nodes() []*Node {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// PoolNodes returns the nodes assigned to one blue-green pool, sorted by id.
func (c *Cluster) PoolNodes(pool types.Pool) []*Node {
	all := c.Nodes()
	out := make([]*Node, 0, len(all))
	for _, n := range all {
		if n.Pool() == pool {
			out = append(out, n)
		}
	}
	return out
}

// Size returns the current node count.
func (c *Cluster) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.nodes)
}

// ActivePool returns the pool currently serving traffic.
func (c *Cluster) ActivePool() types.Pool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.activePool
}

// SwitchActivePool atomically flips the traffic pointer and returns the
// previously active pool so a later rollback can swap back.
func (c *Cluster) SwitchActivePool() types.Pool {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.activePool
	c.activePool = c.activePool.Other()
	return prev
}

// SetActivePool restores a recorded traffic pointer.
func (c *Cluster) SetActivePool(pool types.Pool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activePool = pool
}

// Status aggregates cluster health at the given instant.
func (c *Cluster) Status(now time.Time, heartbeatTimeout time.Duration, thresholds types.HealthThresholds, maxUnhealthy int) types.ClusterStatus {
	nodes := c.Nodes()

	status := types.ClusterStatus{
		Environment: c.env,
		TotalNodes:  len(nodes),
		ActivePool:  c.ActivePool(),
	}

	var sum types.HealthCounters
	snapshots := make([]types.Node, 0, len(nodes))
	for _, n := range nodes {
		snap := n.Snapshot()
		snapshots = append(snapshots, snap)
		sum.CPUPercent += snap.Counters.CPUPercent
		sum.MemoryPercent += snap.Counters.MemoryPercent
		sum.LatencyMillis += snap.Counters.LatencyMillis
		sum.ErrorRate += snap.Counters.ErrorRate

		switch EvaluateNode(snap, now, heartbeatTimeout, thresholds) {
		case types.HealthHealthy:
			status.HealthyNodes++
		default:
			status.DegradedNodes++
		}
	}

	if len(nodes) > 0 {
		n := float64(len(nodes))
		status.Averages = types.HealthCounters{
			CPUPercent:    sum.CPUPercent / n,
			MemoryPercent: sum.MemoryPercent / n,
			LatencyMillis: sum.LatencyMillis / n,
			ErrorRate:     sum.ErrorRate / n,
		}
	}

	status.State = EvaluateCluster(snapshots, now, heartbeatTimeout, thresholds, maxUnhealthy)
	return status
}

// Registry resolves clusters by environment. The core treats membership as
// externally owned; this interface is how the cluster registry capability
// is injected.
type Registry interface {
	Cluster(env types.Environment) (*Cluster, error)
	Clusters() []*Cluster
}

// MemoryRegistry is an in-memory Registry suitable for single-instance
// deployments and tests.
type MemoryRegistry struct {
	mu       sync.RWMutex
	clusters map[types.Environment]*Cluster
	applier  Applier
}

// NewMemoryRegistry creates a registry whose nodes install artifacts via
// the given applier.
func NewMemoryRegistry(applier Applier) *MemoryRegistry {
	return &MemoryRegistry{
		clusters: make(map[types.Environment]*Cluster),
		applier:  applier,
	}
}

// Ensure returns the cluster for env, creating it when absent.
func (r *MemoryRegistry) Ensure(env types.Environment) *Cluster {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clusters[env]
	if !ok {
		c = NewCluster(env)
		r.clusters[env] = c
	}
	return c
}

// Register adds a node to the environment's cluster.
func (r *MemoryRegistry) Register(env types.Environment, hostname string) *Node {
	return r.Ensure(env).AddNode(hostname, r.applier)
}

// Cluster implements Registry.
func (r *MemoryRegistry) Cluster(env types.Environment) (*Cluster, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clusters[env]
	if !ok {
		return nil, errdefs.Newf(errdefs.KindNotFound, "no cluster registered for environment %q", env)
	}
	return c, nil
}

// Clusters implements Registry, returning clusters in promotion order.
func (r *MemoryRegistry) Clusters() []*Cluster {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Cluster, 0, len(r.clusters))
	for _, env := range types.Environments() {
		if c, ok := r.clusters[env]; ok {
			out = append(out, c)
		}
	}
	return out
}
