package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/polos-dev/polos-sub001/internal/definition"
	"github.com/polos-dev/polos-sub001/internal/execctx"
	"github.com/polos-dev/polos-sub001/internal/logging"
	"github.com/polos-dev/polos-sub001/internal/step"
	"github.com/polos-dev/polos-sub001/internal/stepstore"
)

type fakeReporter struct{}

func (fakeReporter) ReportStepResult(context.Context, string, string, any) error  { return nil }
func (fakeReporter) ReportStepFailure(context.Context, string, string, string) error {
	return nil
}
func (fakeReporter) StartChildWorkflow(context.Context, string, string, string, any, definition.InvokeOptions) (string, error) {
	return "", nil
}
func (fakeReporter) ChildWorkflowStatus(context.Context, string) (string, error) { return "", nil }
func (fakeReporter) CancelChildWorkflow(context.Context, string) error           { return nil }
func (fakeReporter) RegisterTimer(context.Context, string, string, time.Time) error {
	return nil
}
func (fakeReporter) RegisterEventWait(context.Context, string, string, string, time.Duration) error {
	return nil
}
func (fakeReporter) RegisterSuspend(context.Context, string, string, any, time.Duration) error {
	return nil
}
func (fakeReporter) PublishEvent(context.Context, string, string, any, string, string) error {
	return nil
}
func (fakeReporter) PublishResume(context.Context, definition.ResumeTarget, any) error { return nil }

func newExecCtx(id string) (context.Context, *execctx.Context) {
	return execctx.New(context.Background(), definition.ExecutionContext{ExecutionID: id, RootExecutionID: id})
}

func TestRunOK(t *testing.T) {
	wf := &definition.Workflow{
		ID:   "wf",
		Kind: definition.KindWorkflow,
		Handler: func(ctx context.Context, s definition.StepAPI, payload any) (any, error) {
			return s.Run(ctx, "x", func(ctx context.Context) (any, error) { return 42, nil }, definition.RunOptions{})
		},
	}
	ctx, cc := newExecCtx("exec-1")
	out := Run(ctx, cc, wf, stepstore.New(), fakeReporter{}, nil, logging.NewNop())
	if out.Kind != OutcomeOK {
		t.Fatalf("expected OK, got %v (err=%v)", out.Kind, out.Err)
	}
	if out.Result != 42 {
		t.Fatalf("expected result 42, got %v", out.Result)
	}
}

func TestRunWait(t *testing.T) {
	wf := &definition.Workflow{
		ID:   "wf",
		Kind: definition.KindWorkflow,
		Handler: func(ctx context.Context, s definition.StepAPI, payload any) (any, error) {
			return s.InvokeAndWait(ctx, "sub", "child-wf", nil, definition.InvokeOptions{})
		},
	}
	ctx, cc := newExecCtx("exec-2")
	out := Run(ctx, cc, wf, stepstore.New(), fakeReporter{}, nil, logging.NewNop())
	if out.Kind != OutcomeWait {
		t.Fatalf("expected WAIT, got %v (err=%v)", out.Kind, out.Err)
	}
}

func TestRunFailNonRetryableForStepExecutionError(t *testing.T) {
	wf := &definition.Workflow{
		ID:   "wf",
		Kind: definition.KindWorkflow,
		Handler: func(ctx context.Context, s definition.StepAPI, payload any) (any, error) {
			return s.Run(ctx, "boom", func(ctx context.Context) (any, error) {
				return nil, errors.New("permanent failure")
			}, definition.RunOptions{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
		},
	}
	ctx, cc := newExecCtx("exec-3")
	out := Run(ctx, cc, wf, stepstore.New(), fakeReporter{}, nil, logging.NewNop())
	if out.Kind != OutcomeFail {
		t.Fatalf("expected FAIL, got %v", out.Kind)
	}
	var stepErr *step.StepExecutionError
	if !errors.As(out.Err, &stepErr) {
		t.Fatalf("expected *step.StepExecutionError, got %T: %v", out.Err, out.Err)
	}
	if out.Retryable {
		t.Fatal("expected a StepExecutionError to be classified non-retryable")
	}
}

func TestRunFailRetryableForToolKindIsFalse(t *testing.T) {
	wf := &definition.Workflow{
		ID:   "tool-wf",
		Kind: definition.KindTool,
		Handler: func(ctx context.Context, s definition.StepAPI, payload any) (any, error) {
			return nil, errors.New("tool handler blew up directly, not via step.run")
		},
	}
	ctx, cc := newExecCtx("exec-4")
	out := Run(ctx, cc, wf, stepstore.New(), fakeReporter{}, nil, logging.NewNop())
	if out.Kind != OutcomeFail {
		t.Fatalf("expected FAIL, got %v", out.Kind)
	}
	if out.Retryable {
		t.Fatal("expected tool-kind failures to be non-retryable")
	}
}

func TestRunCancelled(t *testing.T) {
	wf := &definition.Workflow{
		ID:   "wf",
		Kind: definition.KindWorkflow,
		Handler: func(ctx context.Context, s definition.StepAPI, payload any) (any, error) {
			return nil, errors.New("should be classified cancelled, not fail")
		},
	}
	ctx, cc := newExecCtx("exec-5")
	cc.Cancel()
	out := Run(ctx, cc, wf, stepstore.New(), fakeReporter{}, nil, logging.NewNop())
	if out.Kind != OutcomeCancelled {
		t.Fatalf("expected CANCELLED, got %v", out.Kind)
	}
}

func TestRunRejectsReentry(t *testing.T) {
	ctx, cc := newExecCtx("exec-6")
	release, err := cc.Enter()
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	wf := &definition.Workflow{
		ID:   "wf",
		Kind: definition.KindWorkflow,
		Handler: func(ctx context.Context, s definition.StepAPI, payload any) (any, error) {
			return "unreachable", nil
		},
	}
	out := Run(ctx, cc, wf, stepstore.New(), fakeReporter{}, nil, logging.NewNop())
	if out.Kind != OutcomeFail || out.Retryable {
		t.Fatalf("expected non-retryable FAIL on re-entry, got %v retryable=%v err=%v", out.Kind, out.Retryable, out.Err)
	}
}
