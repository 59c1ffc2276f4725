/*
Package types defines the core data structures used throughout Drover.

This package contains the domain model for progressive deployments:
artifacts, environments, nodes and clusters, deployment requests, pipeline
executions, approvals, and rollout results. All other packages build on
these types for state management, API communication, and orchestration
logic.

# Core Types

Artifacts and targets:
  - Artifact: versioned, signed binary module (identity = name + version)
  - ArtifactRef: lightweight name@version reference
  - Environment: development, qa, staging, production
  - Node: serializable view of a worker node (heartbeat, counters, artifact)
  - ClusterStatus: aggregate health of one environment's node set

Deployment lifecycle:
  - DeploymentRequest: one accepted Submit call, immutable
  - PipelineExecution: per-stage and overall state of one pipeline run
  - Stage / StageState: the fixed Build → Test → SecurityScan → Deploy →
    Validate sequence and per-stage lifecycle
  - Approval: human gate record for staging/production promotions
  - RolloutResult / NodeOutcome: what a strategy did to each node

Health and policy:
  - HealthCounters: the four observed node counters
  - HealthThresholds: ceilings for node health evaluation
  - DegradationPolicy: canary baseline-comparison ratios (data, not code)

# Design Patterns

All enums use typed string constants:

	type StageState string
	const (
		StagePending   StageState = "pending"
		StageSucceeded StageState = "succeeded"
	)

Optional fields use pointers (*ArtifactRef = nil means no artifact
installed). Types are JSON-serializable; the approval store persists them
as JSON rows in BoltDB.

# Thread Safety

Types in this package are plain data: read-safe, write-unsafe. The managed,
lock-protected node lives in pkg/cluster; trackers and stores handle their
own synchronization and hand out copies (see PipelineExecution.Clone).
*/
package types
