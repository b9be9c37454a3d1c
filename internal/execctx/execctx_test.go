package execctx

import (
	"context"
	"testing"

	"github.com/polos-dev/polos-sub001/internal/definition"
)

func TestEnterRejectsReentry(t *testing.T) {
	_, c := New(context.Background(), definition.ExecutionContext{ExecutionID: "e1", RootExecutionID: "e1"})

	release, err := c.Enter()
	if err != nil {
		t.Fatalf("first Enter: unexpected error: %v", err)
	}

	if _, err := c.Enter(); err == nil {
		t.Fatal("expected second concurrent Enter to fail")
	}

	release()

	if release2, err := c.Enter(); err != nil {
		t.Fatalf("Enter after release: unexpected error: %v", err)
	} else {
		release2()
	}
}

func TestCancelIsIdempotentAndObservable(t *testing.T) {
	ctx, c := New(context.Background(), definition.ExecutionContext{ExecutionID: "e1", RootExecutionID: "e1"})

	if c.Canceled() {
		t.Fatal("expected not canceled initially")
	}

	c.Cancel()
	c.Cancel() // idempotent

	if !c.Canceled() {
		t.Fatal("expected canceled after Cancel")
	}
	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected derived context to be done after Cancel")
	}
}

func TestTraceIDSeededOnlyForRootExecution(t *testing.T) {
	const rootID = "0123456789abcdef0123456789abcdef"
	_, root := New(context.Background(), definition.ExecutionContext{ExecutionID: rootID, RootExecutionID: rootID})
	if !root.TraceID().IsValid() {
		t.Fatal("expected root execution to have a deterministic trace id")
	}

	_, child := New(context.Background(), definition.ExecutionContext{ExecutionID: "child", RootExecutionID: rootID})
	if child.TraceID().IsValid() {
		t.Fatal("expected non-root execution to leave trace id unseeded")
	}
}
