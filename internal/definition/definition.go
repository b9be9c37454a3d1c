// Package definition holds the declarative data model shared by every
// runtime component: WorkflowDefinition, ExecutionContext, StepResult,
// ConversationMessage, SessionMemory, ToolCall, StepInfo, and Usage (spec
// §3), plus the WorkflowDefinition shape itself (C4). It intentionally
// contains no behavior beyond small value-type helpers so that step,
// middleware, llm, and agentloop can all depend on it without cycles.
package definition

import (
	"context"
	"time"
)

// Kind distinguishes the three workflow variants named in spec §3.
type Kind string

const (
	KindWorkflow Kind = "workflow"
	KindTool     Kind = "tool"
	KindAgent    Kind = "agent"
)

// TriggerKind identifies how a workflow is scheduled.
type TriggerKind string

const (
	TriggerManual TriggerKind = "manual"
	TriggerCron   TriggerKind = "cron"
	TriggerEvent  TriggerKind = "event"
)

// Trigger configures how a workflow gets invoked outside of invoke/invokeAndWait.
type Trigger struct {
	Kind  TriggerKind
	Cron  string // valid when Kind == TriggerCron
	Topic string // valid when Kind == TriggerEvent
}

// QueueBinding names the concurrency-limited lane a workflow dispatches on.
type QueueBinding struct {
	Name             string
	ConcurrencyLimit int // 0 means unlimited
}

// ApprovalPolicy governs whether a tool call must suspend for human approval
// before the underlying handler runs (spec §8 scenario S6).
type ApprovalPolicy string

const (
	ApprovalNone           ApprovalPolicy = "none"
	ApprovalAlways         ApprovalPolicy = "always"
	ApprovalPathRestricted ApprovalPolicy = "path-restricted"
)

// Phase identifies which lifecycle hook point is firing.
type Phase string

const (
	PhaseOnStart Phase = "onStart"
	PhaseOnEnd   Phase = "onEnd"
)

// HookContext is passed to workflow lifecycle hooks (C7).
type HookContext struct {
	WorkflowID      string
	SessionID       string
	UserID          string
	CurrentPayload  any
	CurrentOutput   any
	Phase           Phase
}

// HookResult is returned by a Hook. See spec §4.3.
type HookResult struct {
	Continue        bool
	Err             error
	ModifiedPayload any
	HasPayload      bool
	ModifiedOutput  any
	HasOutput       bool
}

// Hook is workflow lifecycle middleware (C7).
type Hook func(ctx context.Context, hookCtx HookContext) (HookResult, error)

// StepAPI is the subset of the durable step helper (C6) that user handler
// code is given. It is declared here, rather than in package step, so that
// WorkflowDefinition/AgentDefinition handler signatures do not create an
// import cycle between definition and step.
type StepAPI interface {
	// Run executes fn durably under key; see spec §4.2.
	Run(ctx context.Context, key string, fn func(ctx context.Context) (any, error), opts RunOptions) (any, error)

	// Invoke fires-and-forgets a sub-workflow; returns a handle.
	Invoke(ctx context.Context, key string, workflowID string, payload any, opts InvokeOptions) (InvokeHandle, error)

	// InvokeAndWait runs a sub-workflow and suspends until it completes.
	InvokeAndWait(ctx context.Context, key string, workflowID string, payload any, opts InvokeOptions) (any, error)

	// BatchInvoke fires-and-forgets a list of sub-workflow invocations.
	BatchInvoke(ctx context.Context, key string, calls []BatchCall) ([]InvokeHandle, error)

	// BatchInvokeAndWait runs a list of sub-workflows and suspends until all
	// complete.
	BatchInvokeAndWait(ctx context.Context, key string, calls []BatchCall) ([]any, error)

	// WaitFor suspends for a relative duration.
	WaitFor(ctx context.Context, key string, d Duration) error

	// WaitUntil suspends until an absolute time.
	WaitUntil(ctx context.Context, key string, at time.Time) error

	// WaitForEvent suspends until an event is published on topic or timeout elapses.
	WaitForEvent(ctx context.Context, key string, topic string, timeout time.Duration) (EventPayload, error)

	// PublishEvent fires-and-forgets an event on an arbitrary topic.
	PublishEvent(ctx context.Context, topic string, eventType string, data any) error

	// PublishWorkflowEvent publishes on the current execution's canonical topic.
	PublishWorkflowEvent(ctx context.Context, eventType string, data any) error

	// Suspend emits a suspend event and waits for the matching resume event.
	Suspend(ctx context.Context, key string, data any, timeout time.Duration) (EventPayload, error)

	// Resume publishes the resume event that unblocks some other suspended execution.
	Resume(ctx context.Context, target ResumeTarget, data any) error

	// UUID returns a memoized v4 UUID for key.
	UUID(ctx context.Context, key string) (string, error)

	// Now returns a memoized timestamp for key.
	Now(ctx context.Context, key string) (time.Time, error)

	// Random returns a memoized float64 in [0,1) for key.
	Random(ctx context.Context, key string) (float64, error)

	// Trace opens a non-durable tracing span around fn.
	Trace(ctx context.Context, name string, attrs map[string]any, fn func(ctx context.Context) (any, error)) (any, error)
}

// RunOptions configures step.Run retry behavior (spec §4.2).
type RunOptions struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Input      any // observability-only
}

// DefaultRunOptions mirrors the spec's documented defaults.
func DefaultRunOptions() RunOptions {
	return RunOptions{MaxRetries: 2, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
}

// InvokeOptions configures a sub-workflow invocation.
type InvokeOptions struct {
	SessionID string
	UserID    string
}

// BatchCall is one element of a batchInvoke/batchInvokeAndWait list.
type BatchCall struct {
	WorkflowID string
	Payload    any
	Opts       InvokeOptions
}

// InvokeHandle is returned by Invoke; spec §4.2.
type InvokeHandle struct {
	ExecutionID string
	GetStatus   func(ctx context.Context) (string, error)
	Wait        func(ctx context.Context) (any, error)
	Cancel      func(ctx context.Context) error
}

// Duration expresses a wait duration at the granularity the step helper
// accepts (spec §4.2: sub-second granularity is not required).
type Duration struct {
	Seconds int
	Minutes int
	Hours   int
	Days    int
	Weeks   int
}

// AsDuration flattens Duration fields into a single time.Duration.
func (d Duration) AsDuration() time.Duration {
	total := time.Duration(d.Seconds) * time.Second
	total += time.Duration(d.Minutes) * time.Minute
	total += time.Duration(d.Hours) * time.Hour
	total += time.Duration(d.Days) * 24 * time.Hour
	total += time.Duration(d.Weeks) * 7 * 24 * time.Hour
	return total
}

// EventPayload is what waitForEvent/suspend resolve to.
type EventPayload struct {
	Topic string
	Type  string
	Data  any
}

// ResumeTarget identifies which suspended execution a resume event unblocks.
type ResumeTarget struct {
	SuspendWorkflowID  string
	SuspendExecutionID string
	SuspendStepKey     string
}

// Handler is the user-defined workflow body. It receives the execution
// context's ambient payload plus a StepAPI bound to the current execution.
type Handler func(ctx context.Context, step StepAPI, payload any) (any, error)

// Validator validates a JSON-compatible payload against an opaque schema. The
// concrete implementation (internal/definition/schema.go) wraps
// santhosh-tekuri/jsonschema/v6.
type Validator interface {
	Validate(payload any) error
}

// Workflow is the declarative WorkflowDefinition from spec §3: identity,
// kind, optional trigger, queue binding, schemas, lifecycle hooks, handler,
// and (for Kind==KindTool/KindAgent) the tool- and agent-specific fields.
// Immutable after registration (spec §4.1).
type Workflow struct {
	ID      string
	Kind    Kind
	Trigger *Trigger
	Queue   QueueBinding

	InputSchema  Validator
	StateSchema  Validator
	OutputSchema Validator

	OnStart []Hook
	OnEnd   []Hook

	Handler Handler

	// Tool-specific fields (Kind == KindTool).
	Tool *ToolSpec

	// Agent-specific fields (Kind == KindAgent).
	Agent *AgentSpec
}

// ToolSpec carries the LLM-facing metadata for a tool workflow.
type ToolSpec struct {
	Description string
	Parameters  map[string]any // JSON schema
	Approval    ApprovalPolicy
	PathRestrict []string // valid path prefixes when Approval == ApprovalPathRestricted
}

// AgentHooks groups the agent-loop-specific lifecycle hooks (spec §4.4).
type AgentHooks struct {
	OnAgentStepStart []Hook
	OnAgentStepEnd   []Hook
	OnToolStart      []Hook
	OnToolEnd        []Hook
}

// CompactionConfig configures the memory compactor (C9). Zero values are
// normalized to spec defaults by memory.NormalizeConfig.
type CompactionConfig struct {
	MaxConversationTokens int
	MaxSummaryTokens      int
	MinRecentMessages     int
	CompactionModel       string
	Enabled               *bool // nil means enabled (default true)
}

// StopCondition evaluates the agent's step history and reports whether the
// loop should terminate. Name is used to build the durable step key
// "{N}.stop_condition.{name}.{i}".
type StopCondition struct {
	Name string
	Eval func(ctx context.Context, steps []StepInfo) (bool, error)
	// MaxSteps, when non-zero, identifies this as a maxSteps stop condition,
	// which disables the agent loop's safety step bound (spec §4.4 step 4).
	MaxSteps int
}

// Guardrail is LLM-call middleware that may continue, modify, retry, or
// fail (spec §4.3).
type Guardrail func(ctx context.Context, gctx GuardrailContext) (GuardrailResult, error)

// GuardrailContext is passed to a Guardrail.
type GuardrailContext struct {
	Content   string
	ToolCalls []ToolCall
	Messages  []ConversationMessage
}

// GuardrailAction is the verdict a Guardrail returns.
type GuardrailAction string

const (
	GuardrailContinue GuardrailAction = "continue"
	GuardrailRetry    GuardrailAction = "retry"
	GuardrailFail     GuardrailAction = "fail"
)

// GuardrailResult is the outcome of evaluating a Guardrail.
type GuardrailResult struct {
	Action          GuardrailAction
	ModifiedContent string
	HasContent      bool
	ModifiedCalls   []ToolCall
	HasCalls        bool
	Feedback        string // required when Action == GuardrailRetry
	Err             error  // required when Action == GuardrailFail
}

// AgentSpec carries the agent-specific fields from spec §3/§4.4.
type AgentSpec struct {
	LLMModel          string
	SystemPrompt      string
	Tools             []string // tool workflow IDs available to the agent
	Guardrails        []Guardrail
	StopConditions    []StopCondition
	Hooks             AgentHooks
	Compaction        CompactionConfig
	GuardrailMaxRetries int
	OutputSchema      Validator // structured-output schema, distinct from Workflow.OutputSchema
}

// ExecutionContext carries ambient per-execution state (C11, spec §3).
type ExecutionContext struct {
	ExecutionID       string
	RootExecutionID   string
	ParentExecutionID string
	WorkflowID        string
	RootWorkflowID    string
	DeploymentID      string
	RetryCount        int
	SessionID         string
	UserID            string
	InitialState      any
	RunTimeoutSeconds int
	CreatedAt         time.Time
}

// StepResult is a single memoized step outcome (spec §3).
type StepResult struct {
	Key         string
	Value       any
	CompletedAt time.Time
}

// ConversationRole mirrors spec §3's ConversationMessage.role enum.
type ConversationRole string

const (
	RoleSystem    ConversationRole = "system"
	RoleUser      ConversationRole = "user"
	RoleAssistant ConversationRole = "assistant"
	RoleTool      ConversationRole = "tool"
)

// ConversationMessage is one entry in an agent's message history (spec §3).
type ConversationMessage struct {
	Role       ConversationRole
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// SessionMemory is owned by the orchestrator; loaded at agent start and
// written at agent end (spec §3).
type SessionMemory struct {
	Summary  *string
	Messages []ConversationMessage
}

// ToolCall is produced by the LLM adapter and consumed by the agent loop
// (spec §3).
type ToolCall struct {
	ID       string
	CallID   string
	Function ToolCallFunction
}

// ToolCallFunction carries the tool name and raw JSON arguments.
type ToolCallFunction struct {
	Name      string
	Arguments string // JSON-encoded
}

// ToolResultInfo records the outcome of one tool dispatch within a StepInfo.
type ToolResultInfo struct {
	Name    string
	CallID  string // correlates back to the originating ToolCall.CallID
	Status  string // "completed" | "error"
	Result  any
	Error   string
}

// StepInfo is a single LLM round in the agent loop (spec §3).
type StepInfo struct {
	Step        int
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResultInfo
	Usage       Usage
	RawOutput   any
}

// Usage tracks token consumption accumulated over an agent run (spec §3).
type Usage struct {
	InputTokens              int
	OutputTokens             int
	TotalTokens              int
	CacheReadInputTokens     int
	CacheCreationInputTokens int
}

// Add accumulates delta into u, matching invariant I5 (never decreases).
func (u *Usage) Add(delta Usage) {
	u.InputTokens += delta.InputTokens
	u.OutputTokens += delta.OutputTokens
	u.TotalTokens += delta.TotalTokens
	u.CacheReadInputTokens += delta.CacheReadInputTokens
	u.CacheCreationInputTokens += delta.CacheCreationInputTokens
}
