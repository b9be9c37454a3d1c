// Package execctx implements the ambient per-execution state (C11): the
// execution's identity fields, its single cancellation signal, and its OTel
// trace linkage, with strict re-entry rules (spec §3, §5 "one abort signal
// per execution").
package execctx

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"

	"github.com/polos-dev/polos-sub001/internal/definition"
	"github.com/polos-dev/polos-sub001/internal/telemetry"
)

// Context bundles an ExecutionContext with its cancellation and tracing
// state. Exactly one goroutine may be "entered" in a Context at a time;
// Enter fails loudly on re-entry rather than silently allowing concurrent
// handler execution against a single-writer StepStore (spec §3 invariant I7).
type Context struct {
	definition.ExecutionContext

	mu       sync.Mutex
	entered  bool
	cancel   context.CancelFunc
	canceled atomic.Bool

	traceID trace.TraceID
}

// New constructs a Context from inbound dispatch fields, seeding its OTel
// trace id from the execution UUID when this is a root execution (spec §6
// "Deterministic trace IDs"). A child execution's trace id is left zero:
// New reads no inbound traceparent.
func New(parent context.Context, ec definition.ExecutionContext) (context.Context, *Context) {
	ctx, cancel := context.WithCancel(parent)
	c := &Context{ExecutionContext: ec, cancel: cancel}

	if ec.ExecutionID == ec.RootExecutionID {
		if traceID, ok := telemetry.DeterministicTraceID(ec.RootExecutionID); ok {
			c.traceID = traceID
		}
	}
	return ctx, c
}

// Enter marks this Context as actively running a handler. It returns an
// error, rather than blocking, if a handler is already active — re-entry
// indicates a bug in the executor's dispatch bookkeeping, not a legitimate
// race to wait out.
func (c *Context) Enter() (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entered {
		return nil, fmt.Errorf("execctx: execution %s is already running a handler (strict re-entry violation)", c.ExecutionID)
	}
	c.entered = true
	return func() {
		c.mu.Lock()
		c.entered = false
		c.mu.Unlock()
	}, nil
}

// Cancel fires this execution's single abort signal (spec §5 "One abort
// signal per execution"). Idempotent.
func (c *Context) Cancel() {
	c.canceled.Store(true)
	c.cancel()
}

// Canceled reports whether Cancel has been called.
func (c *Context) Canceled() bool {
	return c.canceled.Load()
}

// TraceID returns the deterministic OTel trace id for a root execution, or
// the zero value for a child execution.
func (c *Context) TraceID() trace.TraceID {
	return c.traceID
}
