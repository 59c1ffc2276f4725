package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cuemby/drover/pkg/api"
	"github.com/cuemby/drover/pkg/errdefs"
	"github.com/cuemby/drover/pkg/types"
)

// Client wraps the engine's JSON/HTTP API for CLI and programmatic use.
type Client struct {
	baseURL string
	role    string
	http    *http.Client
}

// New creates a client against the given base URL, e.g.
// "http://localhost:7430". The role is sent on every request;
// administrator operations require api.RoleAdmin.
func New(baseURL, role string) *Client {
	return &Client{
		baseURL: baseURL,
		role:    role,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// CreateDeployment submits an artifact for deployment and returns the
// execution id.
func (c *Client) CreateDeployment(ctx context.Context, req api.CreateDeploymentRequest) (string, error) {
	var resp api.CreateDeploymentResponse
	if err := c.do(ctx, http.MethodPost, "/v1/deployments", req, &resp); err != nil {
		return "", err
	}
	return resp.ExecutionID, nil
}

// GetDeployment fetches an execution by id.
func (c *Client) GetDeployment(ctx context.Context, executionID string) (*types.PipelineExecution, error) {
	var exec types.PipelineExecution
	if err := c.do(ctx, http.MethodGet, "/v1/deployments/"+url.PathEscape(executionID), nil, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// ListDeployments fetches one page of executions, newest first.
func (c *Client) ListDeployments(ctx context.Context, page, perPage int) (*api.ListDeploymentsResponse, error) {
	path := "/v1/deployments?page=" + strconv.Itoa(page) + "&per_page=" + strconv.Itoa(perPage)
	var resp api.ListDeploymentsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Rollback cancels a running execution or administratively reverts a
// succeeded one.
func (c *Client) Rollback(ctx context.Context, executionID string) error {
	return c.do(ctx, http.MethodPost, "/v1/deployments/"+url.PathEscape(executionID)+"/rollback", nil, nil)
}

// GetApproval fetches an approval by approval id or execution id.
func (c *Client) GetApproval(ctx context.Context, id string) (*types.Approval, error) {
	var ap types.Approval
	if err := c.do(ctx, http.MethodGet, "/v1/approvals/"+url.PathEscape(id), nil, &ap); err != nil {
		return nil, err
	}
	return &ap, nil
}

// Approve records an approval decision by approval id or execution id.
func (c *Client) Approve(ctx context.Context, id, resolver, reason string) (*types.Approval, error) {
	return c.decide(ctx, id, "approve", resolver, reason)
}

// Reject records a rejection by approval id or execution id.
func (c *Client) Reject(ctx context.Context, id, resolver, reason string) (*types.Approval, error) {
	return c.decide(ctx, id, "reject", resolver, reason)
}

func (c *Client) decide(ctx context.Context, id, verb, resolver, reason string) (*types.Approval, error) {
	var ap types.Approval
	body := api.DecisionRequest{Resolver: resolver, Reason: reason}
	if err := c.do(ctx, http.MethodPost, "/v1/approvals/"+url.PathEscape(id)+"/"+verb, body, &ap); err != nil {
		return nil, err
	}
	return &ap, nil
}

// ClusterStatus fetches the aggregate view of every registered cluster.
func (c *Client) ClusterStatus(ctx context.Context) ([]types.ClusterStatus, error) {
	var resp api.ClusterStatusResponse
	if err := c.do(ctx, http.MethodGet, "/v1/clusters", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Clusters, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.role != "" {
		req.Header.Set("X-Drover-Role", c.role)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error == "" {
			return errdefs.Newf(errdefs.KindInternal, "%s %s: http %d", method, path, resp.StatusCode)
		}
		kind := apiErr.Kind
		if kind == "" {
			kind = errdefs.KindInternal
		}
		return errdefs.New(kind, apiErr.Error)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
