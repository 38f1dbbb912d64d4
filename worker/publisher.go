package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"

	"github.com/kostush/purchase-gateway-sub010/events"
)

// Starter is the part of client.Client the publisher needs.
type Starter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// Publisher implements events.Publisher. PurchaseProcessed events start one
// VoidTransactionsWorkflow each, keyed by event id so a republished event
// never starts a second run.
type Publisher struct {
	starter   Starter
	taskQueue string
	logger    *slog.Logger
}

func NewPublisher(starter Starter, taskQueue string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	return &Publisher{starter: starter, taskQueue: taskQueue, logger: logger}
}

func (p *Publisher) Publish(ctx context.Context, e events.Envelope) error {
	if e.Type != events.TypePurchaseProcessed {
		p.logger.DebugContext(ctx, "event has no consumer", "type", e.Type, "event_id", e.EventID)
		return nil
	}
	var body events.PurchaseProcessed
	if err := e.Decode(&body); err != nil {
		return err
	}

	run, err := p.starter.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                                       "void-" + e.EventID.String(),
		TaskQueue:                                p.taskQueue,
		WorkflowIDReusePolicy:                    enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}, VoidTransactionsWorkflow, body)
	var started *serviceerror.WorkflowExecutionAlreadyStarted
	if errors.As(err, &started) {
		p.logger.InfoContext(ctx, "void workflow already started", "event_id", e.EventID, "session_id", body.SessionID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("worker: start void workflow: %w", err)
	}
	p.logger.InfoContext(ctx, "void workflow started",
		"event_id", e.EventID, "session_id", body.SessionID, "workflow_id", run.GetID(), "run_id", run.GetRunID())
	return nil
}

// Dial connects to Temporal, logging through slog.
func Dial(hostPort, namespace string, logger *slog.Logger) (client.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c, err := client.Dial(client.Options{
		HostPort:  hostPort,
		Namespace: namespace,
		Logger:    tlog.NewStructuredLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("worker: dial temporal: %w", err)
	}
	return c, nil
}

// Run serves the void workflow on taskQueue until ctx is cancelled.
func Run(ctx context.Context, c client.Client, taskQueue string, acts *Activities) error {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	w := worker.New(c, taskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     100,
		MaxConcurrentWorkflowTaskExecutionSize: 50,
	})
	w.RegisterWorkflow(VoidTransactionsWorkflow)
	w.RegisterActivity(acts)

	if err := w.Start(); err != nil {
		return fmt.Errorf("worker: start: %w", err)
	}
	<-ctx.Done()
	w.Stop()
	return nil
}
