// Package executor runs one workflow handler atop the step helper (C6) and
// execution context (C11), surfacing OK/WAIT/CANCELLED/FAIL outcomes (C12,
// spec §4.5).
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/polos-dev/polos-sub001/internal/definition"
	"github.com/polos-dev/polos-sub001/internal/execctx"
	"github.com/polos-dev/polos-sub001/internal/logging"
	"github.com/polos-dev/polos-sub001/internal/middleware"
	"github.com/polos-dev/polos-sub001/internal/step"
	"github.com/polos-dev/polos-sub001/internal/stepstore"
)

// OutcomeKind classifies how a handler invocation ended (spec §4.5).
type OutcomeKind string

const (
	OutcomeOK        OutcomeKind = "ok"
	OutcomeWait      OutcomeKind = "wait"
	OutcomeCancelled OutcomeKind = "cancelled"
	OutcomeFail      OutcomeKind = "fail"
)

// Outcome is the executor's classified result.
type Outcome struct {
	Kind       OutcomeKind
	Result     any
	FinalState any
	Err        error
	Retryable  bool
}

// Run bootstraps a fresh step helper around store/reporter, runs the
// workflow's onStart hooks, handler, and onEnd hooks, and classifies the
// result. ctx must already carry the execution's cancellation (see
// execctx.New); cancelCtx exposes Canceled() for the CANCELLED branch.
func Run(ctx context.Context, cancelCtx *execctx.Context, wf *definition.Workflow, store *stepstore.Store, reporter step.Reporter, payload any, logger logging.Logger) Outcome {
	release, err := cancelCtx.Enter()
	if err != nil {
		return Outcome{Kind: OutcomeFail, Err: err, Retryable: false}
	}
	defer release()

	helper := step.New(store, reporter, cancelCtx.ExecutionContext, logger)

	result, err := runHandler(ctx, helper, wf, payload)

	select {
	case <-ctx.Done():
		publishCancelEvent(cancelCtx.ExecutionContext, reporter, logger)
		return Outcome{Kind: OutcomeCancelled, Err: ctx.Err()}
	default:
	}
	if cancelCtx.Canceled() {
		publishCancelEvent(cancelCtx.ExecutionContext, reporter, logger)
		return Outcome{Kind: OutcomeCancelled, Err: errors.New("executor: execution cancelled")}
	}

	if err == nil {
		return Outcome{Kind: OutcomeOK, Result: result}
	}
	if step.IsWaitError(err) {
		return Outcome{Kind: OutcomeWait, Err: err}
	}

	var stepErr *step.StepExecutionError
	retryable := !errors.As(err, &stepErr) && wf.Kind != definition.KindTool
	return Outcome{Kind: OutcomeFail, Err: err, Retryable: retryable}
}

func runHandler(ctx context.Context, helper *step.Helper, wf *definition.Workflow, payload any) (any, error) {
	startCtx := definition.HookContext{WorkflowID: wf.ID, CurrentPayload: payload, Phase: definition.PhaseOnStart}
	startCtx, err := middleware.RunHooks(ctx, helper, wf.OnStart, startCtx, fmt.Sprintf("%s.on_start", wf.ID))
	if err != nil {
		return nil, fmt.Errorf("executor: onStart: %w", err)
	}

	result, err := wf.Handler(ctx, helper, startCtx.CurrentPayload)
	if err != nil {
		return nil, err
	}

	endCtx := definition.HookContext{WorkflowID: wf.ID, CurrentOutput: result, Phase: definition.PhaseOnEnd}
	endCtx, err = middleware.RunHooks(ctx, helper, wf.OnEnd, endCtx, fmt.Sprintf("%s.on_end", wf.ID))
	if err != nil {
		return nil, fmt.Errorf("executor: onEnd: %w", err)
	}
	return endCtx.CurrentOutput, nil
}

// publishCancelEvent emits the terminal workflow_cancel event (spec §4.5,
// §7: "emit a workflow_cancel event and call confirmCancellation") on the
// execution's canonical topic, ahead of the CANCELLED outcome reaching the
// caller's confirmCancellation call. A detached context is used since ctx
// is already done by the time either cancellation branch is reached.
func publishCancelEvent(ec definition.ExecutionContext, reporter step.Reporter, logger logging.Logger) {
	topic := fmt.Sprintf("workflow/%s/%s", ec.RootWorkflowID, ec.RootExecutionID)
	if err := reporter.PublishEvent(context.Background(), topic, "workflow_cancel", nil, ec.ExecutionID, ec.RootExecutionID); err != nil {
		logger.Warn(context.Background(), "executor: publish workflow_cancel event failed", "executionId", ec.ExecutionID, "error", err.Error())
	}
}
