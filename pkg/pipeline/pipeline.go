package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/drover/pkg/approval"
	"github.com/cuemby/drover/pkg/cluster"
	"github.com/cuemby/drover/pkg/config"
	"github.com/cuemby/drover/pkg/errdefs"
	"github.com/cuemby/drover/pkg/log"
	"github.com/cuemby/drover/pkg/metrics"
	"github.com/cuemby/drover/pkg/signature"
	"github.com/cuemby/drover/pkg/strategy"
	"github.com/cuemby/drover/pkg/tracker"
	"github.com/cuemby/drover/pkg/types"
)

// TestRunner is the injected test capability invoked by the test stage.
type TestRunner interface {
	Run(ctx context.Context, artifact *types.Artifact) error
}

// TestRunnerFunc adapts a function to the TestRunner interface.
type TestRunnerFunc func(ctx context.Context, artifact *types.Artifact) error

// Run implements TestRunner.
func (f TestRunnerFunc) Run(ctx context.Context, artifact *types.Artifact) error {
	return f(ctx, artifact)
}

// NopTestRunner passes every artifact. Stands in until a real test
// harness is wired up.
var NopTestRunner = TestRunnerFunc(func(context.Context, *types.Artifact) error { return nil })

// StrategyFactory builds the strategy for a kind. Injected so the
// pipeline stays ignorant of strategy tunables.
type StrategyFactory func(kind types.StrategyKind) (strategy.Strategy, error)

// Pipeline runs one deployment through the fixed stage sequence:
// build, test, security-scan, deploy, validate. A stage runs only
// after the previous one succeeded; any failure skips the remainder,
// unwinds stage-four side effects, and closes the execution out
// through the tracker's atomic store-and-clear.
type Pipeline struct {
	cfg      *config.Config
	verifier *signature.Verifier
	gate     *approval.Gate
	tracker  *tracker.Tracker
	registry cluster.Registry
	tests    TestRunner
	factory  StrategyFactory
}

// New assembles a pipeline from its collaborators.
func New(cfg *config.Config, verifier *signature.Verifier, gate *approval.Gate, tr *tracker.Tracker, registry cluster.Registry, tests TestRunner, factory StrategyFactory) *Pipeline {
	if tests == nil {
		tests = NopTestRunner
	}
	return &Pipeline{
		cfg:      cfg,
		verifier: verifier,
		gate:     gate,
		tracker:  tr,
		registry: registry,
		tests:    tests,
		factory:  factory,
	}
}

// Run executes the pipeline for one accepted request and returns the
// terminal execution state. The context carries cancellation from the
// orchestrator; cancellation mid-deploy takes the rollback path.
func (p *Pipeline) Run(ctx context.Context, req *types.DeploymentRequest, artifact *types.Artifact) *types.PipelineExecution {
	exec := newExecution(req)
	logger := log.WithExecutionID(exec.ExecutionID)
	logger.Info().
		Str("environment", string(req.Environment)).
		Str("artifact", artifact.Ref().String()).
		Str("requester", req.Requester).
		Msg("pipeline started")
	p.observe(exec)

	policy := p.cfg.PolicyFor(req.Environment)

	ok := p.runStage(ctx, exec, types.StageBuild, func(context.Context) error {
		return p.buildStage(artifact)
	})
	if ok {
		ok = p.runStage(ctx, exec, types.StageTest, func(sctx context.Context) error {
			return p.tests.Run(sctx, artifact)
		})
	}
	if ok {
		ok = p.runStage(ctx, exec, types.StageSecurityScan, func(context.Context) error {
			return p.securityScanStage(exec, artifact)
		})
	}
	if !ok {
		return p.closeOut(ctx, exec, types.ExecutionFailed)
	}

	if policy.RequireApproval {
		if proceed := p.awaitApproval(ctx, exec, req, artifact); !proceed {
			return p.closeOut(ctx, exec, types.ExecutionFailed)
		}
	}

	target, err := p.registry.Cluster(req.Environment)
	if err != nil {
		p.failStage(exec, types.StageDeploy, err.Error())
		return p.closeOut(ctx, exec, types.ExecutionFailed)
	}
	strat, err := p.factory(policy.Strategy)
	if err != nil {
		p.failStage(exec, types.StageDeploy, err.Error())
		return p.closeOut(ctx, exec, types.ExecutionFailed)
	}

	overall, ok := p.deployStage(ctx, exec, strat, artifact.Ref(), target)
	if !ok {
		return p.closeOut(ctx, exec, overall)
	}

	ok = p.runStage(ctx, exec, types.StageValidate, func(context.Context) error {
		return p.validateStage(target, artifact.Ref(), policy)
	})
	if !ok {
		return p.closeOut(ctx, exec, types.ExecutionFailed)
	}
	return p.closeOut(ctx, exec, types.ExecutionSucceeded)
}

func newExecution(req *types.DeploymentRequest) *types.PipelineExecution {
	stages := make([]*types.StageStatus, 0, len(types.Stages()))
	for _, s := range types.Stages() {
		stages = append(stages, &types.StageStatus{Stage: s, State: types.StagePending})
	}
	return &types.PipelineExecution{
		ExecutionID: req.ExecutionID,
		TraceID:     uuid.New().String(),
		Artifact:    req.Artifact.Ref(),
		Environment: req.Environment,
		Requester:   req.Requester,
		Status:      types.ExecutionRunning,
		Stages:      stages,
		StartedAt:   time.Now().UTC(),
	}
}

// observe publishes the current execution snapshot as the live view.
func (p *Pipeline) observe(exec *types.PipelineExecution) {
	p.tracker.TrackInProgress(exec)
}

// runStage drives one stage under its timeout. Returns false on stage
// failure, after marking the stage Failed.
func (p *Pipeline) runStage(ctx context.Context, exec *types.PipelineExecution, stage types.Stage, fn func(context.Context) error) bool {
	status := exec.StageStatus(stage)
	status.State = types.StageRunning
	status.StartedAt = time.Now().UTC()
	p.observe(exec)

	sctx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	err := fn(sctx)
	cancel()

	status.EndedAt = time.Now().UTC()
	if err != nil {
		status.State = types.StageFailed
		status.Message = err.Error()
		logger := log.WithExecutionID(exec.ExecutionID)
		logger.Warn().
			Str("stage", string(stage)).
			Err(err).
			Msg("stage failed")
	} else {
		status.State = types.StageSucceeded
	}
	metrics.StageDuration.WithLabelValues(string(stage), string(status.State)).
		Observe(status.EndedAt.Sub(status.StartedAt).Seconds())
	p.observe(exec)
	return err == nil
}

func (p *Pipeline) failStage(exec *types.PipelineExecution, stage types.Stage, message string) {
	status := exec.StageStatus(stage)
	status.State = types.StageFailed
	status.Message = message
	p.observe(exec)
}

// buildStage accepts the pre-built artifact. The engine does not
// compile anything itself.
func (p *Pipeline) buildStage(artifact *types.Artifact) error {
	if len(artifact.Content) == 0 {
		return errdefs.New(errdefs.KindValidation, "artifact has no content")
	}
	return nil
}

// securityScanStage verifies the artifact signature. Strict mode fails
// the stage on an invalid signature; permissive mode downgrades it to
// a warning. Production is always strict.
func (p *Pipeline) securityScanStage(exec *types.PipelineExecution, artifact *types.Artifact) error {
	result, err := p.verifier.Verify(artifact.Content, artifact.Signature)
	logger := log.WithExecutionID(exec.ExecutionID)
	if err == nil {
		logger.Debug().
			Str("signer", result.Signer).
			Str("content_hash", result.ContentHash).
			Msg("artifact signature verified")
		return nil
	}
	if p.cfg.StrictFor(exec.Environment) {
		return err
	}
	logger.Warn().
		Err(err).
		Msg("signature invalid, continuing permissively")
	exec.StageStatus(types.StageSecurityScan).Message = "signature invalid, accepted permissively"
	return nil
}

// awaitApproval gates stage four behind a human decision. Returns
// false when the pipeline must terminate, with the deploy and validate
// stages skipped and the reason recorded.
func (p *Pipeline) awaitApproval(ctx context.Context, exec *types.PipelineExecution, req *types.DeploymentRequest, artifact *types.Artifact) bool {
	timeout := req.ApprovalTimeout
	if timeout <= 0 {
		timeout = p.cfg.Approval.Timeout
	}

	a, err := p.gate.Request(ctx, exec.ExecutionID, req.Environment, artifact.Ref(), req.Requester, timeout)
	if err != nil {
		p.skipRemaining(exec, fmt.Sprintf("approval request failed: %s", err))
		return false
	}
	p.observe(exec)

	resolved, err := p.gate.Await(ctx, a.ID)
	if err != nil {
		p.skipRemaining(exec, fmt.Sprintf("approval wait aborted: %s", err))
		return false
	}
	switch resolved.State {
	case types.ApprovalApproved:
		return true
	case types.ApprovalRejected:
		p.skipRemaining(exec, fmt.Sprintf("approval rejected by %s: %s", resolved.Resolver, resolved.Reason))
	case types.ApprovalExpired:
		p.skipRemaining(exec, "approval expired without a decision")
	default:
		p.skipRemaining(exec, fmt.Sprintf("approval in unexpected state %s", resolved.State))
	}
	return false
}

// skipRemaining marks all not-yet-terminal stages Skipped and records
// the reason on the first of them.
func (p *Pipeline) skipRemaining(exec *types.PipelineExecution, reason string) {
	first := true
	for _, s := range exec.Stages {
		switch s.State {
		case types.StagePending, types.StageRunning:
			s.State = types.StageSkipped
			if first {
				s.Message = reason
				first = false
			}
		}
	}
	if exec.Message == "" {
		exec.Message = reason
	}
	p.observe(exec)
}

// deployStage runs the strategy and interprets its result. The second
// return is false when the pipeline must terminate with the returned
// overall status.
func (p *Pipeline) deployStage(ctx context.Context, exec *types.PipelineExecution, strat strategy.Strategy, ref types.ArtifactRef, target *cluster.Cluster) (types.ExecutionState, bool) {
	status := exec.StageStatus(types.StageDeploy)
	status.State = types.StageRunning
	status.StartedAt = time.Now().UTC()
	p.observe(exec)

	sctx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	result, err := strat.Deploy(sctx, ref, target)
	cancel()

	status.EndedAt = time.Now().UTC()
	defer func() {
		metrics.StageDuration.WithLabelValues(string(types.StageDeploy), string(status.State)).
			Observe(status.EndedAt.Sub(status.StartedAt).Seconds())
		p.observe(exec)
	}()

	if err != nil {
		status.State = types.StageFailed
		status.Message = err.Error()
		return types.ExecutionFailed, false
	}

	status.Message = result.Message
	exec.InconsistentNodes = append(exec.InconsistentNodes, result.InconsistentNodes...)

	switch result.Status {
	case types.RolloutSucceeded:
		status.State = types.StageSucceeded
		return types.ExecutionRunning, true

	case types.RolloutRolledBack:
		// Health degradation or cancellation, cleanly unwound.
		status.State = types.StageRolledBack
		return types.ExecutionRolledBack, false

	default: // RolloutFailed
		if len(result.InconsistentNodes) > 0 {
			status.State = types.StageFailed
			return types.ExecutionFailed, false
		}
		if ctx.Err() != nil {
			// Cancellation arrived mid-apply and the strategy unwound
			// cleanly; surface that as a rollback, not a failure.
			status.State = types.StageRolledBack
			return types.ExecutionRolledBack, false
		}
		// The strategy reverted its own partial work, so the cluster is
		// back on the prior artifact.
		status.State = types.StageRolledBack
		return types.ExecutionFailed, false
	}
}

// validateStage asserts the post-deploy state: the active pool reports
// the requested version and the cluster is not unhealthy.
func (p *Pipeline) validateStage(target *cluster.Cluster, ref types.ArtifactRef, policy config.EnvironmentPolicy) error {
	for _, n := range target.PoolNodes(target.ActivePool()) {
		current := n.CurrentArtifact()
		if current == nil || *current != ref {
			got := "none"
			if current != nil {
				got = current.String()
			}
			return errdefs.Newf(errdefs.KindInconsistent, "node %s reports artifact %s, want %s", n.ID(), got, ref)
		}
	}

	status := target.Status(time.Now(), p.cfg.HeartbeatTimeout, p.cfg.NodeHealth, policy.MaxUnhealthy)
	if status.State == types.HealthUnhealthy {
		return errdefs.Newf(errdefs.KindHealthDegraded, "cluster %s is unhealthy after deploy", target.Environment())
	}
	return nil
}

// closeOut finalizes the execution and atomically moves it from the
// in-progress table to the results table. The atomic close-out is the
// only supported way to finish an execution.
func (p *Pipeline) closeOut(ctx context.Context, exec *types.PipelineExecution, overall types.ExecutionState) *types.PipelineExecution {
	for _, s := range exec.Stages {
		if s.State == types.StagePending || s.State == types.StageRunning {
			s.State = types.StageSkipped
		}
	}
	exec.Status = overall
	exec.EndedAt = time.Now().UTC()
	if exec.Message == "" {
		exec.Message = terminalMessage(exec)
	}

	// Lock contention on the close-out means retrying the whole
	// operation, never splitting it.
	ctx = context.WithoutCancel(ctx)
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = p.tracker.StoreResultAndClearInProgress(ctx, exec); err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	logger := log.WithExecutionID(exec.ExecutionID)
	if err != nil {
		logger.Error().Err(err).Msg("close-out failed after retries")
	}

	metrics.DeploymentsTotal.WithLabelValues(string(exec.Environment), string(overall)).Inc()
	logger.Info().
		Str("status", string(overall)).
		Dur("elapsed", exec.EndedAt.Sub(exec.StartedAt)).
		Msg("pipeline finished")
	return exec
}

func terminalMessage(exec *types.PipelineExecution) string {
	for _, s := range exec.Stages {
		if s.Message != "" && (s.State == types.StageFailed || s.State == types.StageRolledBack || s.State == types.StageSkipped) {
			return fmt.Sprintf("%s: %s", s.Stage, s.Message)
		}
	}
	return ""
}
