package middleware

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

type nopReporter struct{}

func (nopReporter) ReportStepResult(context.Context, string, string, any) error     { return nil }
func (nopReporter) ReportStepFailure(context.Context, string, string, string) error { return nil }
func (nopReporter) StartChildWorkflow(context.Context, string, string, string, any, definition.InvokeOptions) (string, error) {
	return "", nil
}
func (nopReporter) ChildWorkflowStatus(context.Context, string) (string, error) { return "", nil }
func (nopReporter) CancelChildWorkflow(context.Context, string) error           { return nil }
func (nopReporter) RegisterTimer(context.Context, string, string, time.Time) error {
	return nil
}
func (nopReporter) RegisterEventWait(context.Context, string, string, string, time.Duration) error {
	return nil
}
func (nopReporter) RegisterSuspend(context.Context, string, string, any, time.Duration) error {
	return nil
}
func (nopReporter) PublishEvent(context.Context, string, string, any, string, string) error {
	return nil
}
func (nopReporter) PublishResume(context.Context, definition.ResumeTarget, any) error { return nil }

func newHelper(id string) (context.Context, definition.StepAPI) {
	ctx, cc := execctx.New(context.Background(), definition.ExecutionContext{ExecutionID: id, RootExecutionID: id})
	if _, err := cc.Enter(); err != nil {
		panic(err)
	}
	return ctx, step.New(stepstore.New(), nopReporter{}, cc.ExecutionContext, logging.NewNop())
}

func TestRunHooksThreadsModifiedPayload(t *testing.T) {
	ctx, s := newHelper("exec-1")
	hooks := []definition.Hook{
		func(ctx context.Context, hc definition.HookContext) (definition.HookResult, error) {
			return definition.HookResult{Continue: true, HasPayload: true, ModifiedPayload: "rewritten"}, nil
		},
		func(ctx context.Context, hc definition.HookContext) (definition.HookResult, error) {
			if hc.CurrentPayload != "rewritten" {
				t.Fatalf("expected previous hook's payload rewrite to thread through, got %v", hc.CurrentPayload)
			}
			return definition.HookResult{Continue: true}, nil
		},
	}
	_, err := RunHooks(ctx, s, hooks, definition.HookContext{CurrentPayload: "original"}, "onStart")
	if err != nil {
		t.Fatal(err)
	}
}

func TestRunHooksHaltsChainOnContinueFalse(t *testing.T) {
	ctx, s := newHelper("exec-2")
	called := false
	hooks := []definition.Hook{
		func(ctx context.Context, hc definition.HookContext) (definition.HookResult, error) {
			return definition.HookResult{Continue: false}, nil
		},
		func(ctx context.Context, hc definition.HookContext) (definition.HookResult, error) {
			called = true
			return definition.HookResult{Continue: true}, nil
		},
	}
	_, err := RunHooks(ctx, s, hooks, definition.HookContext{}, "onStart")
	if err == nil {
		t.Fatal("expected halted chain to surface as an error")
	}
	if called {
		t.Fatal("expected second hook not to run after the chain halted")
	}
}

func TestRunHooksPropagatesHookError(t *testing.T) {
	ctx, s := newHelper("exec-3")
	boom := errors.New("boom")
	hooks := []definition.Hook{
		func(ctx context.Context, hc definition.HookContext) (definition.HookResult, error) {
			return definition.HookResult{}, boom
		},
	}
	_, err := RunHooks(ctx, s, hooks, definition.HookContext{}, "onStart")
	if err == nil || !errors.Is(err, boom) {
		t.Fatalf("expected wrapped boom error, got %v", err)
	}
}

func TestComposeHooksFlattensChain(t *testing.T) {
	hook := ComposeHooks(
		func(ctx context.Context, hc definition.HookContext) (definition.HookResult, error) {
			return definition.HookResult{Continue: true, HasOutput: true, ModifiedOutput: "a"}, nil
		},
		func(ctx context.Context, hc definition.HookContext) (definition.HookResult, error) {
			if hc.CurrentOutput != "a" {
				t.Fatalf("expected composed hook to see prior output, got %v", hc.CurrentOutput)
			}
			return definition.HookResult{Continue: true, HasOutput: true, ModifiedOutput: "b"}, nil
		},
	)
	result, err := hook(context.Background(), definition.HookContext{})
	if err != nil {
		t.Fatal(err)
	}
	if result.ModifiedOutput != "b" {
		t.Fatalf("expected final output b, got %v", result.ModifiedOutput)
	}
}

func TestConditionalHookSkipsWhenPredicateFalse(t *testing.T) {
	called := false
	hook := ConditionalHook(
		func(definition.HookContext) bool { return false },
		func(ctx context.Context, hc definition.HookContext) (definition.HookResult, error) {
			called = true
			return definition.HookResult{}, nil
		},
	)
	result, err := hook(context.Background(), definition.HookContext{})
	if err != nil {
		t.Fatal(err)
	}
	if called || !result.Continue {
		t.Fatal("expected predicate=false to skip inner hook and pass through")
	}
}

func TestRunGuardrailsRetrySignalsFeedback(t *testing.T) {
	guardrails := []definition.Guardrail{
		func(ctx context.Context, gctx definition.GuardrailContext) (definition.GuardrailResult, error) {
			return definition.GuardrailResult{Action: definition.GuardrailRetry, Feedback: "try again"}, nil
		},
	}
	_, _, retry, feedback, err := RunGuardrails(context.Background(), guardrails, definition.GuardrailContext{Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if !retry || feedback != "try again" {
		t.Fatalf("expected retry=true feedback='try again', got retry=%v feedback=%q", retry, feedback)
	}
}

func TestRunGuardrailsFailReturnsError(t *testing.T) {
	guardrails := []definition.Guardrail{
		func(ctx context.Context, gctx definition.GuardrailContext) (definition.GuardrailResult, error) {
			return definition.GuardrailResult{Action: definition.GuardrailFail, Err: errors.New("rejected")}, nil
		},
	}
	_, _, _, _, err := RunGuardrails(context.Background(), guardrails, definition.GuardrailContext{Content: "hi"})
	if err == nil {
		t.Fatal("expected GuardrailFail to surface as an error")
	}
}

func TestRunGuardrailsModifiesContentAndCalls(t *testing.T) {
	guardrails := []definition.Guardrail{
		func(ctx context.Context, gctx definition.GuardrailContext) (definition.GuardrailResult, error) {
			return definition.GuardrailResult{HasContent: true, ModifiedContent: "redacted"}, nil
		},
	}
	content, _, retry, _, err := RunGuardrails(context.Background(), guardrails, definition.GuardrailContext{Content: "secret"})
	if err != nil {
		t.Fatal(err)
	}
	if retry {
		t.Fatal("expected no retry")
	}
	if content != "redacted" {
		t.Fatalf("expected modified content to thread through, got %q", content)
	}
}
