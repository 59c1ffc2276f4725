package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/drover/pkg/api"
	"github.com/cuemby/drover/pkg/client"
	"github.com/cuemby/drover/pkg/types"
)

func newClient() *client.Client {
	return client.New(serverAddr, role)
}

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Submit a signed artifact for deployment",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		version, _ := cmd.Flags().GetString("artifact-version")
		file, _ := cmd.Flags().GetString("file")
		sigFile, _ := cmd.Flags().GetString("signature")
		env, _ := cmd.Flags().GetString("env")
		requester, _ := cmd.Flags().GetString("requester")
		approvalTimeout, _ := cmd.Flags().GetString("approval-timeout")
		wait, _ := cmd.Flags().GetBool("wait")

		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("reading artifact: %w", err)
		}
		sig, err := os.ReadFile(sigFile)
		if err != nil {
			return fmt.Errorf("reading signature: %w", err)
		}

		c := newClient()
		id, err := c.CreateDeployment(cmd.Context(), api.CreateDeploymentRequest{
			Name:            name,
			Version:         version,
			Content:         content,
			Signature:       sig,
			Environment:     types.Environment(env),
			Requester:       requester,
			ApprovalTimeout: approvalTimeout,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Deployment accepted: %s\n", id)

		if !wait {
			return nil
		}
		exec, err := awaitTerminal(cmd.Context(), c, id)
		if err != nil {
			return err
		}
		printExecution(exec)
		if exec.Status != types.ExecutionSucceeded {
			return fmt.Errorf("deployment %s", exec.Status)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <execution-id>",
	Short: "Show a deployment's pipeline status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		exec, err := newClient().GetDeployment(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printExecution(exec)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List deployments, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		page, _ := cmd.Flags().GetInt("page")
		perPage, _ := cmd.Flags().GetInt("per-page")

		resp, err := newClient().ListDeployments(cmd.Context(), page, perPage)
		if err != nil {
			return err
		}
		fmt.Printf("%-36s  %-12s  %-12s  %-24s  %s\n", "EXECUTION", "ENVIRONMENT", "STATUS", "ARTIFACT", "STARTED")
		for _, exec := range resp.Executions {
			fmt.Printf("%-36s  %-12s  %-12s  %-24s  %s\n",
				exec.ExecutionID, exec.Environment, exec.Status,
				exec.Artifact.String(), exec.StartedAt.Format(time.RFC3339))
		}
		fmt.Printf("\n%d of %d deployments (page %d)\n", len(resp.Executions), resp.Total, resp.Page)
		return nil
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <execution-id>",
	Short: "Cancel a running deployment or revert a succeeded one (admin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().Rollback(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Rollback accepted for %s\n", args[0])
		return nil
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <approval-or-execution-id>",
	Short: "Approve a pending deployment (admin)",
	Args:  cobra.ExactArgs(1),
	RunE:  decisionRunE((*client.Client).Approve),
}

var rejectCmd = &cobra.Command{
	Use:   "reject <approval-or-execution-id>",
	Short: "Reject a pending deployment (admin)",
	Args:  cobra.ExactArgs(1),
	RunE:  decisionRunE((*client.Client).Reject),
}

func decisionRunE(decide func(*client.Client, context.Context, string, string, string) (*types.Approval, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		resolver, _ := cmd.Flags().GetString("resolver")
		reason, _ := cmd.Flags().GetString("reason")

		ap, err := decide(newClient(), cmd.Context(), args[0], resolver, reason)
		if err != nil {
			return err
		}
		fmt.Printf("Approval %s is now %s (execution %s)\n", ap.ID, ap.State, ap.ExecutionID)
		return nil
	}
}

var clustersCmd = &cobra.Command{
	Use:   "clusters",
	Short: "Show aggregate health for every cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		clusters, err := newClient().ClusterStatus(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%-12s  %-10s  %6s  %8s  %9s  %7s  %7s  %9s  %7s\n",
			"ENVIRONMENT", "STATE", "NODES", "HEALTHY", "DEGRADED", "CPU%", "MEM%", "LATENCY", "ERRORS")
		for _, cs := range clusters {
			fmt.Printf("%-12s  %-10s  %6d  %8d  %9d  %7.1f  %7.1f  %7.0fms  %6.2f%%\n",
				cs.Environment, cs.State, cs.TotalNodes, cs.HealthyNodes, cs.DegradedNodes,
				cs.Averages.CPUPercent, cs.Averages.MemoryPercent,
				cs.Averages.LatencyMillis, cs.Averages.ErrorRate*100)
		}
		return nil
	},
}

func awaitTerminal(ctx context.Context, c *client.Client, id string) (*types.PipelineExecution, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		exec, err := c.GetDeployment(ctx, id)
		if err != nil {
			return nil, err
		}
		if exec.Status.Terminal() {
			return exec, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func printExecution(exec *types.PipelineExecution) {
	fmt.Printf("Execution:   %s\n", exec.ExecutionID)
	fmt.Printf("Artifact:    %s\n", exec.Artifact.String())
	fmt.Printf("Environment: %s\n", exec.Environment)
	fmt.Printf("Status:      %s\n", exec.Status)
	if exec.Message != "" {
		fmt.Printf("Message:     %s\n", exec.Message)
	}
	fmt.Printf("Started:     %s\n", exec.StartedAt.Format(time.RFC3339))
	if !exec.EndedAt.IsZero() {
		fmt.Printf("Ended:       %s\n", exec.EndedAt.Format(time.RFC3339))
	}
	fmt.Println("Stages:")
	for _, s := range exec.Stages {
		line := fmt.Sprintf("  %-14s %s", s.Stage, s.State)
		if s.Message != "" {
			line += "  (" + s.Message + ")"
		}
		fmt.Println(line)
	}
	if len(exec.InconsistentNodes) > 0 {
		fmt.Printf("Inconsistent nodes: %v\n", exec.InconsistentNodes)
	}
}

func init() {
	deployCmd.Flags().String("name", "", "artifact name")
	deployCmd.Flags().String("artifact-version", "", "artifact version")
	deployCmd.Flags().String("file", "", "path to the artifact binary")
	deployCmd.Flags().String("signature", "", "path to the detached PKCS#7 signature")
	deployCmd.Flags().String("env", "development", "target environment")
	deployCmd.Flags().String("requester", "", "requester email")
	deployCmd.Flags().String("approval-timeout", "", "approval timeout override, e.g. 30m")
	deployCmd.Flags().Bool("wait", false, "poll until the pipeline reaches a terminal state")
	_ = deployCmd.MarkFlagRequired("name")
	_ = deployCmd.MarkFlagRequired("artifact-version")
	_ = deployCmd.MarkFlagRequired("file")
	_ = deployCmd.MarkFlagRequired("signature")
	_ = deployCmd.MarkFlagRequired("requester")

	listCmd.Flags().Int("page", 1, "page number")
	listCmd.Flags().Int("per-page", 20, "results per page")

	for _, c := range []*cobra.Command{approveCmd, rejectCmd} {
		c.Flags().String("resolver", "", "resolver email")
		c.Flags().String("reason", "", "decision reason")
		_ = c.MarkFlagRequired("resolver")
	}
}
