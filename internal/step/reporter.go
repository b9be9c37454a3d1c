package step

import (
	"context"
	"time"

	"github.com/polos-dev/polos-sub001/internal/definition"
)

// Reporter is the subset of the orchestrator client (C13) the step helper
// needs: reporting step outcomes, and registering the orchestrator-side
// intent behind every suspending operation (spec §4.2). Declared here so
// package step does not import package orchestrator; orchestrator.Client
// satisfies this interface.
type Reporter interface {
	ReportStepResult(ctx context.Context, executionID, key string, value any) error
	ReportStepFailure(ctx context.Context, executionID, key string, errMsg string) error

	StartChildWorkflow(ctx context.Context, executionID, key, workflowID string, payload any, opts definition.InvokeOptions) (childExecutionID string, err error)
	ChildWorkflowStatus(ctx context.Context, childExecutionID string) (string, error)
	CancelChildWorkflow(ctx context.Context, childExecutionID string) error

	RegisterTimer(ctx context.Context, executionID, key string, fireAt time.Time) error
	RegisterEventWait(ctx context.Context, executionID, key, topic string, timeout time.Duration) error
	RegisterSuspend(ctx context.Context, executionID, key string, data any, timeout time.Duration) error

	PublishEvent(ctx context.Context, topic, eventType string, data any, executionID, rootExecutionID string) error
	PublishResume(ctx context.Context, target definition.ResumeTarget, data any) error
}
