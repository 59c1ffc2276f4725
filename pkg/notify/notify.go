package notify

import (
	"context"

	"github.com/cuemby/drover/pkg/log"
	"github.com/cuemby/drover/pkg/types"
)

// Notifier informs approvers about approval lifecycle events. Injected
// into the approval gate; real deployments plug in chat or email
// integrations here.
type Notifier interface {
	ApprovalRequested(ctx context.Context, approval *types.Approval) error
	ApprovalResolved(ctx context.Context, approval *types.Approval) error
}

// LogNotifier writes approval notifications to the structured log.
type LogNotifier struct{}

// ApprovalRequested implements Notifier.
func (LogNotifier) ApprovalRequested(_ context.Context, approval *types.Approval) error {
	logger := log.WithComponent("notify")
	logger.Info().
		Str("approval_id", approval.ID).
		Str("execution_id", approval.ExecutionID).
		Str("environment", string(approval.Environment)).
		Str("artifact", approval.Artifact.String()).
		Str("requester", approval.Requester).
		Time("expires_at", approval.ExpiresAt).
		Msg("approval requested")
	return nil
}

// ApprovalResolved implements Notifier.
func (LogNotifier) ApprovalResolved(_ context.Context, approval *types.Approval) error {
	logger := log.WithComponent("notify")
	logger.Info().
		Str("approval_id", approval.ID).
		Str("execution_id", approval.ExecutionID).
		Str("state", string(approval.State)).
		Str("resolver", approval.Resolver).
		Str("reason", approval.Reason).
		Msg("approval resolved")
	return nil
}
