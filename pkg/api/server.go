package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/drover/pkg/approval"
	"github.com/cuemby/drover/pkg/cluster"
	"github.com/cuemby/drover/pkg/config"
	"github.com/cuemby/drover/pkg/errdefs"
	"github.com/cuemby/drover/pkg/log"
	"github.com/cuemby/drover/pkg/metrics"
	"github.com/cuemby/drover/pkg/orchestrator"
	"github.com/cuemby/drover/pkg/types"
)

// RoleAdmin is the role required for rollback and approval decisions.
const RoleAdmin = "admin"

// RoleFunc extracts the caller's role from a request. The default reads
// the X-Drover-Role header; production deployments plug in their own
// authentication here.
type RoleFunc func(r *http.Request) string

// HeaderRole reads the role from the X-Drover-Role header.
func HeaderRole(r *http.Request) string {
	return r.Header.Get("X-Drover-Role")
}

// Server exposes the orchestration engine over JSON/HTTP.
type Server struct {
	cfg      *config.Config
	orch     *orchestrator.Orchestrator
	gate     *approval.Gate
	registry cluster.Registry
	role     RoleFunc
	mux      *http.ServeMux

	httpSrv *http.Server
}

// NewServer wires the HTTP routes. Pass nil for role to use HeaderRole.
func NewServer(cfg *config.Config, orch *orchestrator.Orchestrator, gate *approval.Gate, registry cluster.Registry, role RoleFunc) *Server {
	if role == nil {
		role = HeaderRole
	}
	s := &Server{
		cfg:      cfg,
		orch:     orch,
		gate:     gate,
		registry: registry,
		role:     role,
		mux:      http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /v1/deployments", s.createDeployment)
	s.mux.HandleFunc("GET /v1/deployments", s.listDeployments)
	s.mux.HandleFunc("GET /v1/deployments/{id}", s.getDeployment)
	s.mux.HandleFunc("POST /v1/deployments/{id}/rollback", s.rollbackDeployment)
	s.mux.HandleFunc("GET /v1/approvals/{id}", s.getApproval)
	s.mux.HandleFunc("POST /v1/approvals/{id}/approve", s.approve)
	s.mux.HandleFunc("POST /v1/approvals/{id}/reject", s.reject)
	s.mux.HandleFunc("GET /v1/clusters", s.clusterStatus)
	s.mux.HandleFunc("GET /healthz", s.healthz)
	s.mux.Handle("GET /metrics", metrics.Handler())

	return s
}

// Handler returns the route multiplexer, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves HTTP on the configured address until Stop is called.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	logger := log.WithComponent("api")
	logger.Info().Str("addr", s.cfg.ListenAddr).Msg("http api listening")
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// CreateDeploymentRequest is the create-deployment body. Content and
// Signature are base64 in JSON.
type CreateDeploymentRequest struct {
	Name            string            `json:"name"`
	Version         string            `json:"version"`
	Content         []byte            `json:"content"`
	Signature       []byte            `json:"signature"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Environment     types.Environment `json:"environment"`
	Requester       string            `json:"requester"`
	ApprovalTimeout string            `json:"approval_timeout,omitempty"` // Go duration, e.g. "30m"
}

// CreateDeploymentResponse carries the accepted execution's id.
type CreateDeploymentResponse struct {
	ExecutionID string `json:"execution_id"`
	Location    string `json:"location"`
}

func (s *Server) createDeployment(w http.ResponseWriter, r *http.Request) {
	var body CreateDeploymentRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errdefs.Wrap(errdefs.KindValidation, err, "malformed request body"))
		return
	}

	var approvalTimeout time.Duration
	if body.ApprovalTimeout != "" {
		d, err := time.ParseDuration(body.ApprovalTimeout)
		if err != nil {
			writeError(w, errdefs.Wrap(errdefs.KindValidation, err, "invalid approval_timeout"))
			return
		}
		approvalTimeout = d
	}

	id, err := s.orch.Submit(r.Context(), orchestrator.SubmitRequest{
		Artifact: &types.Artifact{
			Name:      body.Name,
			Version:   body.Version,
			Content:   body.Content,
			Signature: body.Signature,
			Metadata:  body.Metadata,
			CreatedAt: time.Now().UTC(),
		},
		Environment:     body.Environment,
		Requester:       body.Requester,
		ApprovalTimeout: approvalTimeout,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	location := "/v1/deployments/" + id
	w.Header().Set("Location", location)
	writeJSON(w, http.StatusAccepted, CreateDeploymentResponse{ExecutionID: id, Location: location})
}

func (s *Server) getDeployment(w http.ResponseWriter, r *http.Request) {
	exec, err := s.orch.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// ListDeploymentsResponse is one page of executions, newest first.
type ListDeploymentsResponse struct {
	Executions []*types.PipelineExecution `json:"executions"`
	Total      int                        `json:"total"`
	Page       int                        `json:"page"`
	PerPage    int                        `json:"per_page"`
}

func (s *Server) listDeployments(w http.ResponseWriter, r *http.Request) {
	page := intQuery(r, "page", 1)
	perPage := intQuery(r, "per_page", 20)
	execs, total := s.orch.List(page, perPage)
	writeJSON(w, http.StatusOK, ListDeploymentsResponse{
		Executions: execs,
		Total:      total,
		Page:       page,
		PerPage:    perPage,
	})
}

func (s *Server) rollbackDeployment(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	id := r.PathValue("id")
	if err := s.orch.Rollback(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": id, "status": "rollback accepted"})
}

// DecisionRequest is the approve/reject body.
type DecisionRequest struct {
	Resolver string `json:"resolver"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) getApproval(w http.ResponseWriter, r *http.Request) {
	ap, err := s.lookupApproval(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ap)
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, s.gate.Approve)
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, s.gate.Reject)
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, resolve func(ctx context.Context, approvalID, resolver, reason string) (*types.Approval, error)) {
	if !s.requireAdmin(w, r) {
		return
	}

	var body DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errdefs.Wrap(errdefs.KindValidation, err, "malformed request body"))
		return
	}
	if body.Resolver == "" {
		writeError(w, errdefs.New(errdefs.KindValidation, "resolver is required"))
		return
	}

	ap, err := s.lookupApproval(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	resolved, err := resolve(r.Context(), ap.ID, body.Resolver, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

// lookupApproval resolves the path id as an approval id first and an
// execution id second.
func (s *Server) lookupApproval(id string) (*types.Approval, error) {
	ap, err := s.gate.Get(id)
	if err == nil {
		return ap, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, err
	}
	return s.gate.GetByExecution(id)
}

// ClusterStatusResponse lists every registered cluster's aggregate view.
type ClusterStatusResponse struct {
	Clusters []types.ClusterStatus `json:"clusters"`
}

func (s *Server) clusterStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	var out []types.ClusterStatus
	for _, c := range s.registry.Clusters() {
		policy := s.cfg.PolicyFor(c.Environment())
		out = append(out, c.Status(now, s.cfg.HeartbeatTimeout, s.cfg.NodeHealth, policy.MaxUnhealthy))
	}
	writeJSON(w, http.StatusOK, ClusterStatusResponse{Clusters: out})
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if s.role(r) != RoleAdmin {
		writeError(w, errdefs.New(errdefs.KindAuthorization, "administrator role required"))
		return false
	}
	return true
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string       `json:"error"`
	Kind  errdefs.Kind `json:"kind"`
}

func writeError(w http.ResponseWriter, err error) {
	kind := errdefs.KindOf(err)
	writeJSON(w, statusFor(kind), ErrorResponse{Error: err.Error(), Kind: kind})
}

func statusFor(kind errdefs.Kind) int {
	switch kind {
	case errdefs.KindValidation:
		return http.StatusBadRequest
	case errdefs.KindAuthorization:
		return http.StatusForbidden
	case errdefs.KindNotFound:
		return http.StatusNotFound
	case errdefs.KindConflict, errdefs.KindApprovalExpired:
		return http.StatusConflict
	case errdefs.KindBackpressure:
		return http.StatusTooManyRequests
	case errdefs.KindLockContention:
		return http.StatusServiceUnavailable
	case errdefs.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := log.WithComponent("api")
		logger.Error().Err(err).Msg("response encoding failed")
	}
}

func intQuery(r *http.Request, key string, fallback int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
