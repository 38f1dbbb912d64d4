// Package worker runs the void-transactions handler as a Temporal workflow
// and starts that workflow for published PurchaseProcessed events.
package worker

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/kostush/purchase-gateway-sub010/events"
	"github.com/kostush/purchase-gateway-sub010/voidtx"
)

const (
	VoidTransactionsWorkflowName = "VoidTransactionsWorkflow"
	DefaultTaskQueue             = "purchase-gateway-voids"
)

// Activities holds the activity implementations registered on the worker.
type Activities struct {
	Voids *voidtx.Handler
}

// VoidTransactions publishes the voids for one processed purchase and
// returns how many went out.
func (a *Activities) VoidTransactions(ctx context.Context, ev events.PurchaseProcessed) (int, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("voiding purchase transactions", "session_id", ev.SessionID.String(), "purchase_id", ev.PurchaseID)
	return len(a.Voids.Handle(ctx, ev)), nil
}

// VoidTransactionsWorkflow runs the VoidTransactions activity once per
// processed purchase.
func VoidTransactionsWorkflow(ctx workflow.Context, ev events.PurchaseProcessed) (int, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("VoidTransactionsWorkflow started", "session_id", ev.SessionID.String())

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    5,
		},
	})

	var acts *Activities
	var published int
	if err := workflow.ExecuteActivity(ctx, acts.VoidTransactions, ev).Get(ctx, &published); err != nil {
		logger.Error("void transactions failed", "session_id", ev.SessionID.String(), "error", err)
		return 0, fmt.Errorf("worker: void transactions: %w", err)
	}

	logger.Info("VoidTransactionsWorkflow completed", "session_id", ev.SessionID.String(), "published", published)
	return published, nil
}
