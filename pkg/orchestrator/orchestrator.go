package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/drover/pkg/cluster"
	"github.com/cuemby/drover/pkg/config"
	"github.com/cuemby/drover/pkg/errdefs"
	"github.com/cuemby/drover/pkg/lock"
	"github.com/cuemby/drover/pkg/log"
	"github.com/cuemby/drover/pkg/metrics"
	"github.com/cuemby/drover/pkg/pipeline"
	"github.com/cuemby/drover/pkg/tracker"
	"github.com/cuemby/drover/pkg/types"
)

// clusterLockTTL bounds how long a crashed instance can hold an
// environment; clusterLockWait bounds how long a queued deployment
// waits for its turn on a busy cluster.
const (
	clusterLockTTL  = time.Hour
	clusterLockWait = time.Hour
)

// SubmitRequest is the public submission payload.
type SubmitRequest struct {
	Artifact        *types.Artifact
	Environment     types.Environment
	Requester       string
	ApprovalTimeout time.Duration // 0 = policy default
}

type job struct {
	req      *types.DeploymentRequest
	artifact *types.Artifact
}

// Orchestrator is the engine's public entry point. Submissions are
// validated, tracked, and queued onto a bounded worker pool; a full
// queue rejects with a backpressure error instead of blocking or
// spawning unbounded work. Deployments to the same cluster serialize
// through the lock manager; distinct clusters proceed in parallel.
type Orchestrator struct {
	cfg      *config.Config
	tracker  *tracker.Tracker
	pipe     *pipeline.Pipeline
	registry cluster.Registry
	factory  pipeline.StrategyFactory
	locks    lock.Manager

	queue chan job
	wg    sync.WaitGroup

	mu      sync.Mutex
	stopped bool
	cancels map[string]context.CancelFunc
}

// New creates the orchestrator. Call Start to launch the worker pool.
func New(cfg *config.Config, tr *tracker.Tracker, pipe *pipeline.Pipeline, registry cluster.Registry, factory pipeline.StrategyFactory, locks lock.Manager) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		tracker:  tr,
		pipe:     pipe,
		registry: registry,
		factory:  factory,
		locks:    locks,
		queue:    make(chan job, cfg.Orchestrator.QueueDepth),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Start launches the worker pool.
func (o *Orchestrator) Start() {
	workers := o.cfg.Orchestrator.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}
	logger := log.WithComponent("orchestrator")
	logger.Info().
		Int("workers", workers).
		Int("queue_depth", o.cfg.Orchestrator.QueueDepth).
		Msg("orchestrator started")
}

// Stop rejects further submissions and drains the queue: every queued
// pipeline still runs to its terminal state before Stop returns.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	o.mu.Unlock()

	close(o.queue)
	o.wg.Wait()
	logger := log.WithComponent("orchestrator")
	logger.Info().Msg("orchestrator stopped")
}

// Submit validates and accepts a deployment request, returning its
// execution id immediately. A full queue yields a backpressure error;
// the submission is never silently dropped.
func (o *Orchestrator) Submit(_ context.Context, sub SubmitRequest) (string, error) {
	req := &types.DeploymentRequest{
		ExecutionID:     uuid.New().String(),
		Artifact:        sub.Artifact,
		Environment:     sub.Environment,
		Requester:       sub.Requester,
		CreatedAt:       time.Now().UTC(),
		ApprovalTimeout: sub.ApprovalTimeout,
	}
	if err := req.Validate(); err != nil {
		return "", err
	}

	// Visible through Get before a worker picks it up.
	o.tracker.TrackInProgress(pendingExecution(req))

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		o.tracker.RemoveInProgress(req.ExecutionID)
		return "", errdefs.New(errdefs.KindConflict, "orchestrator is shutting down")
	}

	select {
	case o.queue <- job{req: req, artifact: sub.Artifact}:
		o.mu.Unlock()
		metrics.QueueDepth.Set(float64(len(o.queue)))
		logger := log.WithExecutionID(req.ExecutionID)
		logger.Info().
			Str("environment", string(req.Environment)).
			Str("artifact", sub.Artifact.Ref().String()).
			Msg("deployment accepted")
		return req.ExecutionID, nil
	default:
		o.mu.Unlock()
		o.tracker.RemoveInProgress(req.ExecutionID)
		metrics.BackpressureTotal.Inc()
		return "", errdefs.Newf(errdefs.KindBackpressure, "deployment queue is full (depth %d)", o.cfg.Orchestrator.QueueDepth)
	}
}

func pendingExecution(req *types.DeploymentRequest) *types.PipelineExecution {
	stages := make([]*types.StageStatus, 0, len(types.Stages()))
	for _, s := range types.Stages() {
		stages = append(stages, &types.StageStatus{Stage: s, State: types.StagePending})
	}
	return &types.PipelineExecution{
		ExecutionID: req.ExecutionID,
		Artifact:    req.Artifact.Ref(),
		Environment: req.Environment,
		Requester:   req.Requester,
		Status:      types.ExecutionPending,
		Stages:      stages,
		StartedAt:   req.CreatedAt,
	}
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for j := range o.queue {
		metrics.QueueDepth.Set(float64(len(o.queue)))
		o.runOne(j)
	}
}

func (o *Orchestrator) runOne(j job) {
	logger := log.WithExecutionID(j.req.ExecutionID)

	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancels[j.req.ExecutionID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, j.req.ExecutionID)
		o.mu.Unlock()
		cancel()
	}()

	// One deployment per cluster at a time.
	handle, err := o.locks.Acquire(ctx, "cluster/"+string(j.req.Environment), clusterLockTTL, clusterLockWait)
	if err != nil {
		logger.Error().Err(err).Msg("could not acquire cluster lock")
		o.failWithoutRun(ctx, j.req, "cluster lock not acquired: "+err.Error())
		return
	}
	defer handle.Release()

	metrics.DeploymentsInProgress.Inc()
	defer metrics.DeploymentsInProgress.Dec()

	o.pipe.Run(ctx, j.req, j.artifact)
}

// failWithoutRun closes an execution out as failed before the pipeline
// ever ran.
func (o *Orchestrator) failWithoutRun(ctx context.Context, req *types.DeploymentRequest, reason string) {
	exec := pendingExecution(req)
	for _, s := range exec.Stages {
		s.State = types.StageSkipped
	}
	exec.Status = types.ExecutionFailed
	exec.Message = reason
	exec.EndedAt = time.Now().UTC()
	if err := o.tracker.StoreResultAndClearInProgress(context.WithoutCancel(ctx), exec); err != nil {
		logger := log.WithExecutionID(req.ExecutionID)
		logger.Error().Err(err).Msg("close-out failed")
	}
	metrics.DeploymentsTotal.WithLabelValues(string(req.Environment), string(types.ExecutionFailed)).Inc()
}

// Get returns the terminal result if the execution finished, otherwise
// the live in-progress state.
func (o *Orchestrator) Get(executionID string) (*types.PipelineExecution, error) {
	return o.tracker.Get(executionID)
}

// List returns a page of executions, newest first, and the total count.
func (o *Orchestrator) List(page, perPage int) ([]*types.PipelineExecution, int) {
	all := o.tracker.List()
	total := len(all)

	if perPage < 1 {
		perPage = 20
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * perPage
	if start >= total {
		return nil, total
	}
	end := start + perPage
	if end > total {
		end = total
	}
	return all[start:end], total
}

// Rollback cancels a running execution, or performs an administrative
// rollback of an already succeeded one. A rolled-back execution yields
// a conflict; an unknown id yields not-found.
func (o *Orchestrator) Rollback(ctx context.Context, executionID string) error {
	exec, err := o.tracker.Get(executionID)
	if err != nil {
		return err
	}

	if !exec.Status.Terminal() {
		o.mu.Lock()
		cancel, running := o.cancels[executionID]
		o.mu.Unlock()
		if running {
			logger := log.WithExecutionID(executionID)
			logger.Info().Msg("cancelling running execution")
			cancel()
			return nil
		}
		// Queued but not yet started: the worker will run it; cancelling
		// before start is a conflict the caller retries.
		return errdefs.Newf(errdefs.KindConflict, "execution %s has not started yet", executionID)
	}

	switch exec.Status {
	case types.ExecutionRolledBack:
		return errdefs.Newf(errdefs.KindConflict, "execution %s is already rolled back", executionID)
	case types.ExecutionFailed:
		return errdefs.Newf(errdefs.KindConflict, "execution %s failed and was already unwound", executionID)
	}

	return o.adminRollback(ctx, exec)
}

// adminRollback reverts a succeeded execution's cluster directly. The
// decision to act without a fresh approval is deliberate: the rollback
// target is the previously approved artifact.
func (o *Orchestrator) adminRollback(ctx context.Context, exec *types.PipelineExecution) error {
	logger := log.WithExecutionID(exec.ExecutionID)
	logger.Info().Str("environment", string(exec.Environment)).Msg("administrative rollback requested")

	target, err := o.registry.Cluster(exec.Environment)
	if err != nil {
		return err
	}
	strat, err := o.factory(o.cfg.PolicyFor(exec.Environment).Strategy)
	if err != nil {
		return err
	}

	handle, err := o.locks.Acquire(ctx, "cluster/"+string(exec.Environment), clusterLockTTL, clusterLockWait)
	if err != nil {
		return err
	}
	defer handle.Release()

	result, err := strat.Rollback(ctx, exec.ExecutionID, target)
	if err != nil {
		return err
	}

	updated := exec.Clone()
	updated.InconsistentNodes = append(updated.InconsistentNodes, result.InconsistentNodes...)
	if result.Status == types.RolloutFailed {
		updated.Message = "administrative rollback failed: " + result.Message
	} else {
		updated.Status = types.ExecutionRolledBack
		updated.Message = "administratively rolled back"
		deploy := updated.StageStatus(types.StageDeploy)
		if deploy != nil {
			deploy.State = types.StageRolledBack
		}
	}
	updated.EndedAt = time.Now().UTC()
	o.tracker.ReplaceResult(updated)

	if result.Status == types.RolloutFailed {
		return errdefs.Newf(errdefs.KindInconsistent, "rollback failed on nodes %v", result.InconsistentNodes)
	}
	return nil
}
