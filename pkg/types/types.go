package types

import (
	"fmt"
	"time"
)

// Environment is the closed set of deployment targets. Every cluster and
// every deployment request belongs to exactly one environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvQA          Environment = "qa"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Environments returns all environments in promotion order.
func Environments() []Environment {
	return []Environment{EnvDevelopment, EnvQA, EnvStaging, EnvProduction}
}

// Valid reports whether e is a known environment.
func (e Environment) Valid() bool {
	switch e {
	case EnvDevelopment, EnvQA, EnvStaging, EnvProduction:
		return true
	}
	return false
}

// RequiresApproval reports whether promotions to this environment are gated
// by a human approval.
func (e Environment) RequiresApproval() bool {
	return e == EnvStaging || e == EnvProduction
}

// StrategyKind identifies a rollout strategy.
type StrategyKind string

const (
	StrategyDirect    StrategyKind = "direct"
	StrategyRolling   StrategyKind = "rolling"
	StrategyBlueGreen StrategyKind = "blue-green"
	StrategyCanary    StrategyKind = "canary"
)

// ArtifactRef identifies an artifact by name and version.
type ArtifactRef struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
}

// String returns the canonical name@version form.
func (r ArtifactRef) String() string {
	return fmt.Sprintf("%s@%s", r.Name, r.Version)
}

// Zero reports whether the reference is empty.
func (r ArtifactRef) Zero() bool {
	return r.Name == "" && r.Version == ""
}

// Artifact is a versioned, signed binary module. Immutable after creation;
// identity is (Name, Version).
type Artifact struct {
	Name      string            `json:"name"`
	Version   string            `json:"version"`
	Content   []byte            `json:"content,omitempty"`
	Signature []byte            `json:"signature,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Ref returns the artifact's identity reference.
func (a *Artifact) Ref() ArtifactRef {
	return ArtifactRef{Name: a.Name, Version: a.Version}
}

// HealthCounters are the four observed counters reported by a node.
type HealthCounters struct {
	CPUPercent    float64 `json:"cpu_percent" yaml:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent" yaml:"memory_percent"`
	LatencyMillis float64 `json:"latency_ms" yaml:"latency_ms"`
	ErrorRate     float64 `json:"error_rate" yaml:"error_rate"`
}

// HealthThresholds are the ceilings a node's counters must stay below to be
// considered healthy.
type HealthThresholds struct {
	CPUMax       float64 `json:"cpu_max" yaml:"cpu_max"`
	MemoryMax    float64 `json:"memory_max" yaml:"memory_max"`
	ErrorRateMax float64 `json:"error_rate_max" yaml:"error_rate_max"`
}

// DefaultHealthThresholds returns the stock node health ceilings.
func DefaultHealthThresholds() HealthThresholds {
	return HealthThresholds{CPUMax: 90, MemoryMax: 90, ErrorRateMax: 0.05}
}

// DegradationPolicy holds the ratios used to compare a current metrics
// snapshot against a baseline. Represented as data so operators can tune it
// per service and per environment.
type DegradationPolicy struct {
	ErrorRateFactor float64 `json:"error_rate_factor" yaml:"error_rate_factor"`
	LatencyFactor   float64 `json:"latency_factor" yaml:"latency_factor"`
	CPUFactor       float64 `json:"cpu_factor" yaml:"cpu_factor"`
	MemoryFactor    float64 `json:"memory_factor" yaml:"memory_factor"`
}

// DefaultDegradationPolicy returns the stock canary degradation ratios.
func DefaultDegradationPolicy() DegradationPolicy {
	return DegradationPolicy{
		ErrorRateFactor: 1.5,
		LatencyFactor:   2.0,
		CPUFactor:       1.3,
		MemoryFactor:    1.3,
	}
}

// HealthState represents the evaluated health of a node or cluster.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// Pool is a blue-green traffic pool label.
type Pool string

const (
	PoolBlue  Pool = "blue"
	PoolGreen Pool = "green"
)

// Other returns the opposite pool.
func (p Pool) Other() Pool {
	if p == PoolBlue {
		return PoolGreen
	}
	return PoolBlue
}

// Node is the serializable view of a worker node. The managed node with its
// mutation operations lives in pkg/cluster; this snapshot is what crosses
// API and tracker boundaries.
type Node struct {
	ID               string         `json:"id"`
	Hostname         string         `json:"hostname"`
	Environment      Environment    `json:"environment"`
	Pool             Pool           `json:"pool"`
	CurrentArtifact  *ArtifactRef   `json:"current_artifact,omitempty"`
	PreviousArtifact *ArtifactRef   `json:"previous_artifact,omitempty"`
	LastHeartbeat    time.Time      `json:"last_heartbeat"`
	Counters         HealthCounters `json:"counters"`
	Inconsistent     bool           `json:"inconsistent,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// ClusterStatus is the aggregate view of one environment's cluster.
type ClusterStatus struct {
	Environment   Environment    `json:"environment"`
	State         HealthState    `json:"state"`
	TotalNodes    int            `json:"total_nodes"`
	HealthyNodes  int            `json:"healthy_nodes"`
	DegradedNodes int            `json:"degraded_nodes"`
	ActivePool    Pool           `json:"active_pool"`
	Averages      HealthCounters `json:"averages"`
}

// DeploymentRequest is one accepted Submit call. Immutable.
type DeploymentRequest struct {
	ExecutionID     string        `json:"execution_id"`
	Artifact        *Artifact     `json:"artifact"`
	Environment     Environment   `json:"environment"`
	Requester       string        `json:"requester"`
	CreatedAt       time.Time     `json:"created_at"`
	ApprovalTimeout time.Duration `json:"approval_timeout,omitempty"` // 0 = policy default
}

// Stage identifies one pipeline stage.
type Stage string

const (
	StageBuild        Stage = "build"
	StageTest         Stage = "test"
	StageSecurityScan Stage = "security-scan"
	StageDeploy       Stage = "deploy"
	StageValidate     Stage = "validate"
)

// Stages returns the fixed pipeline stage order.
func Stages() []Stage {
	return []Stage{StageBuild, StageTest, StageSecurityScan, StageDeploy, StageValidate}
}

// StageState is the lifecycle state of a single stage.
type StageState string

const (
	StagePending    StageState = "pending"
	StageRunning    StageState = "running"
	StageSucceeded  StageState = "succeeded"
	StageFailed     StageState = "failed"
	StageSkipped    StageState = "skipped"
	StageRolledBack StageState = "rolled-back"
)

// StageStatus records the outcome of one pipeline stage.
type StageStatus struct {
	Stage     Stage      `json:"stage"`
	State     StageState `json:"state"`
	StartedAt time.Time  `json:"started_at,omitempty"`
	EndedAt   time.Time  `json:"ended_at,omitempty"`
	Message   string     `json:"message,omitempty"`
}

// ExecutionState is the overall state of a pipeline execution.
type ExecutionState string

const (
	ExecutionPending    ExecutionState = "pending"
	ExecutionRunning    ExecutionState = "running"
	ExecutionSucceeded  ExecutionState = "succeeded"
	ExecutionFailed     ExecutionState = "failed"
	ExecutionRolledBack ExecutionState = "rolled-back"
)

// Terminal reports whether the state is final.
func (s ExecutionState) Terminal() bool {
	switch s {
	case ExecutionSucceeded, ExecutionFailed, ExecutionRolledBack:
		return true
	}
	return false
}

// PipelineExecution is the full state of one pipeline run. Owned by the
// pipeline while running; the tracker takes ownership of the terminal state.
type PipelineExecution struct {
	ExecutionID       string         `json:"execution_id"`
	TraceID           string         `json:"trace_id"`
	Artifact          ArtifactRef    `json:"artifact"`
	Environment       Environment    `json:"environment"`
	Requester         string         `json:"requester"`
	Status            ExecutionState `json:"status"`
	Stages            []*StageStatus `json:"stages"`
	StartedAt         time.Time      `json:"started_at"`
	EndedAt           time.Time      `json:"ended_at,omitempty"`
	Message           string         `json:"message,omitempty"`
	InconsistentNodes []string       `json:"inconsistent_nodes,omitempty"`
}

// StageStatus returns the status record for the given stage, or nil.
func (e *PipelineExecution) StageStatus(stage Stage) *StageStatus {
	for _, s := range e.Stages {
		if s.Stage == stage {
			return s
		}
	}
	return nil
}

// Clone returns a deep copy of the execution state.
func (e *PipelineExecution) Clone() *PipelineExecution {
	out := *e
	out.Stages = make([]*StageStatus, len(e.Stages))
	for i, s := range e.Stages {
		cp := *s
		out.Stages[i] = &cp
	}
	out.InconsistentNodes = append([]string(nil), e.InconsistentNodes...)
	return &out
}

// ApprovalState is the lifecycle state of an approval request.
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
	ApprovalExpired  ApprovalState = "expired"
)

// Approval is a human approval gate record for one pipeline execution.
// At most one approval exists per execution id.
type Approval struct {
	ID          string        `json:"id"`
	ExecutionID string        `json:"execution_id"`
	Requester   string        `json:"requester"`
	Environment Environment   `json:"environment"`
	Artifact    ArtifactRef   `json:"artifact"`
	State       ApprovalState `json:"state"`
	CreatedAt   time.Time     `json:"created_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
	Resolver    string        `json:"resolver,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	ResolvedAt  time.Time     `json:"resolved_at,omitempty"`
}

// Resolved reports whether a decision (or expiry) has been recorded.
func (a *Approval) Resolved() bool {
	return a.State != ApprovalPending
}

// RolloutStatus is the overall outcome of one strategy call.
type RolloutStatus string

const (
	RolloutSucceeded  RolloutStatus = "succeeded"
	RolloutFailed     RolloutStatus = "failed"
	RolloutRolledBack RolloutStatus = "rolled-back"
)

// NodeAction labels a per-node rollout step.
type NodeAction string

const (
	NodeActionApply    NodeAction = "apply"
	NodeActionRollback NodeAction = "rollback"
	NodeActionSwitch   NodeAction = "switch"
)

// NodeOutcome records one per-node step taken during a rollout.
type NodeOutcome struct {
	NodeID    string        `json:"node_id"`
	Action    NodeAction    `json:"action"`
	Succeeded bool          `json:"succeeded"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// RolloutResult is the outcome of a Deploy or Rollback strategy call.
type RolloutResult struct {
	Status            RolloutStatus  `json:"status"`
	Outcomes          []*NodeOutcome `json:"outcomes,omitempty"`
	InconsistentNodes []string       `json:"inconsistent_nodes,omitempty"`
	Elapsed           time.Duration  `json:"elapsed"`
	Message           string         `json:"message,omitempty"`
}
