// Package step implements the durable-step protocol (C6): the operations a
// workflow handler uses to make non-deterministic or long-running work
// idempotent and replay-safe (spec §4.2). Every operation is keyed by a
// caller-provided string; on replay, operations that already committed a
// result return it without recomputation (invariant I2) and suspending
// operations (invoke/wait/event/suspend) unwind the handler via WaitError so
// the executor can release the goroutine (spec §4.2, §5).
package step

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/polos-dev/polos-sub001/internal/definition"
	"github.com/polos-dev/polos-sub001/internal/logging"
	"github.com/polos-dev/polos-sub001/internal/stepstore"
	"github.com/polos-dev/polos-sub001/internal/telemetry"
)

// Helper is constructed fresh for every execution attempt and bound to that
// attempt's StepStore and ExecutionContext (spec §4.2, §5 — single-writer,
// owned exclusively by its execution).
type Helper struct {
	store    *stepstore.Store
	reporter Reporter
	execCtx  definition.ExecutionContext
	logger   logging.Logger
	tracer   telemetry.Tracer

	preExisting        map[string]bool
	committedThisAttempt map[string]bool
}

var _ definition.StepAPI = (*Helper)(nil)

// New constructs a Helper for one execution attempt. store may already be
// hydrated with results from a prior attempt (redispatch after WAIT).
func New(store *stepstore.Store, reporter Reporter, execCtx definition.ExecutionContext, logger logging.Logger) *Helper {
	pre := make(map[string]bool, store.Len())
	for _, k := range store.Keys() {
		pre[k] = true
	}
	return &Helper{
		store:                 store,
		reporter:              reporter,
		execCtx:               execCtx,
		logger:                logger,
		tracer:                telemetry.NewTracer(),
		preExisting:           pre,
		committedThisAttempt:  make(map[string]bool),
	}
}

// checkCollision enforces that key is not reused within a single attempt for
// what must be two different logical steps (spec §9 "Step identity").
// Replaying a key that was already committed in a *prior* attempt is the
// normal, expected cache hit and is not a collision.
func (h *Helper) checkCollision(key string) error {
	if h.preExisting[key] {
		return nil
	}
	if h.committedThisAttempt[key] {
		return &DuplicateStepKeyError{Key: key}
	}
	return nil
}

func (h *Helper) markCommitted(key string) {
	h.committedThisAttempt[key] = true
}

// Run executes fn durably under key (spec §4.2). Cached results are returned
// without invoking fn (invariant I2). On failure, fn is retried with capped
// exponential backoff up to opts.MaxRetries; terminal failure raises
// *StepExecutionError.
func (h *Helper) Run(ctx context.Context, key string, fn func(ctx context.Context) (any, error), opts definition.RunOptions) (any, error) {
	if err := h.checkCollision(key); err != nil {
		return nil, err
	}
	if cached, ok := h.store.Get(key); ok {
		return cached.Value, nil
	}

	if opts.MaxRetries == 0 && opts.BaseDelay == 0 && opts.MaxDelay == 0 {
		opts = definition.DefaultRunOptions()
	}

	ctx, span := h.tracer.Start(ctx, "step.run")
	defer span.End()
	if opts.Input != nil {
		span.AddEvent("step.input", "key", key)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.BaseDelay
	bo.MaxInterval = opts.MaxDelay
	bo.MaxElapsedTime = 0
	retrier := backoff.WithMaxRetries(bo, uint64(opts.MaxRetries))

	var result any
	attempt := 0
	operation := func() error {
		attempt++
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	}

	err := backoff.Retry(operation, retrier)
	if err != nil {
		span.RecordError(err)
		_ = h.reporter.ReportStepFailure(ctx, h.execCtx.ExecutionID, key, err.Error())
		return nil, &StepExecutionError{Key: key, Cause: err}
	}

	if err := h.reporter.ReportStepResult(ctx, h.execCtx.ExecutionID, key, result); err != nil {
		h.logger.Warn(ctx, "step result report failed", "key", key, "err", err.Error())
	}
	h.store.Put(key, result)
	h.markCommitted(key)
	return result, nil
}

// Invoke fires-and-forgets a sub-workflow (spec §4.2). Cached after first call.
func (h *Helper) Invoke(ctx context.Context, key, workflowID string, payload any, opts definition.InvokeOptions) (definition.InvokeHandle, error) {
	if err := h.checkCollision(key); err != nil {
		return definition.InvokeHandle{}, err
	}
	if cached, ok := h.store.Get(key); ok {
		if h, ok := cached.Value.(definition.InvokeHandle); ok {
			return h, nil
		}
	}

	childID, err := h.reporter.StartChildWorkflow(ctx, h.execCtx.ExecutionID, key, workflowID, payload, opts)
	if err != nil {
		return definition.InvokeHandle{}, err
	}
	handle := definition.InvokeHandle{
		ExecutionID: childID,
		GetStatus: func(ctx context.Context) (string, error) {
			return h.reporter.ChildWorkflowStatus(ctx, childID)
		},
		Wait: func(ctx context.Context) (any, error) {
			return nil, fmt.Errorf("step: use invokeAndWait to block on a child result")
		},
		Cancel: func(ctx context.Context) error {
			return h.reporter.CancelChildWorkflow(ctx, childID)
		},
	}
	h.store.Put(key, handle)
	h.markCommitted(key)
	return handle, nil
}

// InvokeAndWait runs a sub-workflow and suspends until it completes (spec §4.2).
func (h *Helper) InvokeAndWait(ctx context.Context, key, workflowID string, payload any, opts definition.InvokeOptions) (any, error) {
	if err := h.checkCollision(key); err != nil {
		return nil, err
	}
	if cached, ok := h.store.Get(key); ok {
		return cached.Value, nil
	}
	if _, err := h.reporter.StartChildWorkflow(ctx, h.execCtx.ExecutionID, key, workflowID, payload, opts); err != nil {
		return nil, err
	}
	return nil, &WaitError{Dependency: "invokeAndWait:" + key}
}

// BatchInvoke fires-and-forgets a list of sub-workflow invocations (spec §4.2).
// Child keys are derived "{key}:{i}".
func (h *Helper) BatchInvoke(ctx context.Context, key string, calls []definition.BatchCall) ([]definition.InvokeHandle, error) {
	if err := h.checkCollision(key); err != nil {
		return nil, err
	}
	if cached, ok := h.store.Get(key); ok {
		if handles, ok := cached.Value.([]definition.InvokeHandle); ok {
			return handles, nil
		}
	}
	handles := make([]definition.InvokeHandle, len(calls))
	for i, call := range calls {
		childKey := fmt.Sprintf("%s:%d", key, i)
		handle, err := h.Invoke(ctx, childKey, call.WorkflowID, call.Payload, call.Opts)
		if err != nil {
			return nil, fmt.Errorf("step: batchInvoke[%d]: %w", i, err)
		}
		handles[i] = handle
	}
	h.store.Put(key, handles)
	h.markCommitted(key)
	return handles, nil
}

// BatchInvokeAndWait runs a list of sub-workflows and suspends until all
// complete (spec §4.2). Used by the agent loop to dispatch tool calls
// concurrently (spec §4.4 step 5).
func (h *Helper) BatchInvokeAndWait(ctx context.Context, key string, calls []definition.BatchCall) ([]any, error) {
	if err := h.checkCollision(key); err != nil {
		return nil, err
	}
	if cached, ok := h.store.Get(key); ok {
		if results, ok := cached.Value.([]any); ok {
			return results, nil
		}
	}

	results := make([]any, len(calls))
	pending := false
	for i, call := range calls {
		childKey := fmt.Sprintf("%s:%d", key, i)
		if cachedChild, ok := h.store.Get(childKey); ok {
			results[i] = cachedChild.Value
			continue
		}
		if _, err := h.reporter.StartChildWorkflow(ctx, h.execCtx.ExecutionID, childKey, call.WorkflowID, call.Payload, call.Opts); err != nil {
			return nil, fmt.Errorf("step: batchInvokeAndWait[%d]: %w", i, err)
		}
		pending = true
	}
	if pending {
		return nil, &WaitError{Dependency: "batchInvokeAndWait:" + key}
	}
	h.store.Put(key, results)
	h.markCommitted(key)
	return results, nil
}

// WaitFor suspends the execution for a relative duration (spec §4.2).
func (h *Helper) WaitFor(ctx context.Context, key string, d definition.Duration) error {
	return h.WaitUntil(ctx, key, time.Now().Add(d.AsDuration()))
}

// WaitUntil suspends the execution until an absolute time (spec §4.2).
func (h *Helper) WaitUntil(ctx context.Context, key string, at time.Time) error {
	if err := h.checkCollision(key); err != nil {
		return err
	}
	if _, ok := h.store.Get(key); ok {
		return nil
	}
	if err := h.reporter.RegisterTimer(ctx, h.execCtx.ExecutionID, key, at); err != nil {
		return err
	}
	return &WaitError{Dependency: "timer:" + key}
}

// WaitForEvent suspends until an event is published on topic or timeout
// elapses (spec §4.2).
func (h *Helper) WaitForEvent(ctx context.Context, key, topic string, timeout time.Duration) (definition.EventPayload, error) {
	if err := h.checkCollision(key); err != nil {
		return definition.EventPayload{}, err
	}
	if cached, ok := h.store.Get(key); ok {
		if ev, ok := cached.Value.(definition.EventPayload); ok {
			return ev, nil
		}
		if _, isTimeout := cached.Value.(eventTimeoutMarker); isTimeout {
			return definition.EventPayload{}, &EventTimeoutError{Topic: topic}
		}
	}
	if err := h.reporter.RegisterEventWait(ctx, h.execCtx.ExecutionID, key, topic, timeout); err != nil {
		return definition.EventPayload{}, err
	}
	return definition.EventPayload{}, &WaitError{Dependency: "event:" + topic}
}

type eventTimeoutMarker struct{}

// PublishEvent fires-and-forgets an event on an arbitrary topic (spec §4.2).
func (h *Helper) PublishEvent(ctx context.Context, topic, eventType string, data any) error {
	return h.reporter.PublishEvent(ctx, topic, eventType, data, h.execCtx.ExecutionID, h.execCtx.RootExecutionID)
}

// PublishWorkflowEvent publishes on the current execution's canonical topic,
// "workflow/{rootWorkflowId}/{rootExecutionId}" (spec §6).
func (h *Helper) PublishWorkflowEvent(ctx context.Context, eventType string, data any) error {
	topic := CanonicalTopic(h.execCtx.RootWorkflowID, h.execCtx.RootExecutionID)
	return h.PublishEvent(ctx, topic, eventType, data)
}

// CanonicalTopic builds the per-execution event topic named in spec §6.
func CanonicalTopic(rootWorkflowID, rootExecutionID string) string {
	return strings.Join([]string{"workflow", rootWorkflowID, rootExecutionID}, "/")
}

// Suspend emits a suspend event carrying data and waits for a
// "resume_{key}" event on the execution's topic (spec §4.2). Used for
// human-in-the-loop approval; data typically carries a _form schema (spec §6).
func (h *Helper) Suspend(ctx context.Context, key string, data any, timeout time.Duration) (definition.EventPayload, error) {
	if err := h.checkCollision(key); err != nil {
		return definition.EventPayload{}, err
	}
	if cached, ok := h.store.Get(key); ok {
		if ev, ok := cached.Value.(definition.EventPayload); ok {
			return ev, nil
		}
	}
	if err := h.reporter.RegisterSuspend(ctx, h.execCtx.ExecutionID, key, data, timeout); err != nil {
		return definition.EventPayload{}, err
	}
	return definition.EventPayload{}, &WaitError{Dependency: "suspend:" + key}
}

// Resume publishes the resume event that unblocks some other suspended
// execution (spec §4.2).
func (h *Helper) Resume(ctx context.Context, target definition.ResumeTarget, data any) error {
	return h.reporter.PublishResume(ctx, target, data)
}

// UUID returns a memoized v4 UUID for key (spec §4.2). Deterministic across
// replay because the first computed value is cached; it is not deterministic
// in the cryptographic sense on first computation.
func (h *Helper) UUID(ctx context.Context, key string) (string, error) {
	v, err := h.Run(ctx, key, func(context.Context) (any, error) {
		return uuid.NewString(), nil
	}, definition.DefaultRunOptions())
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Now returns a memoized timestamp for key (spec §4.2).
func (h *Helper) Now(ctx context.Context, key string) (time.Time, error) {
	v, err := h.Run(ctx, key, func(context.Context) (any, error) {
		return time.Now().UTC(), nil
	}, definition.DefaultRunOptions())
	if err != nil {
		return time.Time{}, err
	}
	return v.(time.Time), nil
}

// Random returns a memoized float64 in [0,1) for key (spec §4.2).
func (h *Helper) Random(ctx context.Context, key string) (float64, error) {
	v, err := h.Run(ctx, key, func(context.Context) (any, error) {
		return rand.Float64(), nil
	}, definition.DefaultRunOptions())
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

// Trace opens a non-durable tracing span around fn; it does not persist
// (spec §4.2).
func (h *Helper) Trace(ctx context.Context, name string, attrs map[string]any, fn func(ctx context.Context) (any, error)) (any, error) {
	ctx, span := h.tracer.Start(ctx, name)
	defer span.End()
	for k, v := range attrs {
		span.AddEvent("attr", "key", k, "value", fmt.Sprint(v))
	}
	result, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
	}
	return result, err
}
