package cluster

import (
	"time"

	"github.com/cuemby/drover/pkg/types"
)

// EvaluateNode is the pure node health rule: a node is Healthy iff its
// heartbeat is fresh and all counters are below their thresholds. A stale
// heartbeat makes the node Unhealthy; a fresh node with a counter over its
// ceiling is Degraded.
func EvaluateNode(n types.Node, now time.Time, heartbeatTimeout time.Duration, t types.HealthThresholds) types.HealthState {
	if now.Sub(n.LastHeartbeat) >= heartbeatTimeout {
		return types.HealthUnhealthy
	}
	if n.Counters.CPUPercent >= t.CPUMax ||
		n.Counters.MemoryPercent >= t.MemoryMax ||
		n.Counters.ErrorRate >= t.ErrorRateMax {
		return types.HealthDegraded
	}
	return types.HealthHealthy
}

// EvaluateCluster aggregates node health: Healthy iff every node is
// Healthy, Degraded with 1..maxUnhealthy non-healthy nodes, Unhealthy
// beyond that.
func EvaluateCluster(nodes []types.Node, now time.Time, heartbeatTimeout time.Duration, t types.HealthThresholds, maxUnhealthy int) types.HealthState {
	unhealthy := 0
	for _, n := range nodes {
		if EvaluateNode(n, now, heartbeatTimeout, t) != types.HealthHealthy {
			unhealthy++
		}
	}
	switch {
	case unhealthy == 0:
		return types.HealthHealthy
	case unhealthy <= maxUnhealthy:
		return types.HealthDegraded
	default:
		return types.HealthUnhealthy
	}
}
