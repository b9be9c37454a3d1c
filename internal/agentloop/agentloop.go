// Package agentloop implements the agent execution cycle (C10): the
// iterative LLM call / tool-dispatch / stop-condition / structured-output
// cycle with hook and guardrail middleware, session memory compaction, and
// usage accumulation (spec §4.4).
package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/polos-dev/polos-sub001/internal/definition"
	"github.com/polos-dev/polos-sub001/internal/llm"
	"github.com/polos-dev/polos-sub001/internal/logging"
	"github.com/polos-dev/polos-sub001/internal/memory"
	"github.com/polos-dev/polos-sub001/internal/middleware"
	"github.com/polos-dev/polos-sub001/internal/registry"
)

const defaultSafetyBound = 20

// Input is the agent payload named in spec §4.4: `{input, streaming, agent_config}`.
type Input struct {
	SessionID string
	UserID    string
	Text      string // used when the input is a plain string
	Messages  []definition.ConversationMessage // used when the input is a message list
	Streaming bool
}

// Output is the agent run's return value (spec §4.4 Finalisation).
type Output struct {
	AgentRunID  string
	Result      string
	ResultValue any
	ToolResults []definition.ToolResultInfo
	TotalSteps  int
	Usage       definition.Usage
}

// SessionStore is the orchestrator-facing subset needed to load/persist
// SessionMemory durably (spec §4.4 steps 2 and Finalisation).
type SessionStore interface {
	LoadSessionMemory(ctx context.Context, sessionID string) (definition.SessionMemory, error)
	StoreSessionMemory(ctx context.Context, sessionID string, mem definition.SessionMemory) error
}

// Run executes one agent loop invocation (spec §4.4). step is the durable
// helper bound to the current execution; provider resolves the agent's
// configured model; reg resolves tool workflow definitions by ID; sessions
// persists conversation state when spec.SessionID is non-empty.
func Run(ctx context.Context, step definition.StepAPI, spec definition.AgentSpec, reg *registry.Registry, provider llm.Provider, sessions SessionStore, runID string, in Input, logger logging.Logger) (Output, error) {
	cfg := memory.NormalizeConfig(spec.Compaction, spec.LLMModel)

	messages, summary, err := loadHistory(ctx, step, sessions, in)
	if err != nil {
		return Output{}, err
	}

	safetyBound := computeSafetyBound(spec.StopConditions)

	var (
		stepNum     = 1
		usage       definition.Usage
		toolResults []definition.ToolResultInfo
		allSteps    []definition.StepInfo
		finalText   string
		structured  any
	)

	summarizer := memory.DefaultSummarizer(provider)

	for {
		if safetyBound > 0 && stepNum > safetyBound {
			break
		}

		hookCtx := definition.HookContext{SessionID: in.SessionID, UserID: in.UserID, Phase: definition.PhaseOnStart}
		hookCtx, err = middleware.RunHooks(ctx, step, spec.Hooks.OnAgentStepStart, hookCtx, fmt.Sprintf("%d.on_agent_step_start", stepNum))
		if err != nil {
			return Output{}, fmt.Errorf("agentloop: step %d onAgentStepStart: %w", stepNum, err)
		}

		compactResult, err := memory.CompactIfNeeded(ctx, messages, summary, cfg, summarizer)
		if err != nil {
			return Output{}, fmt.Errorf("agentloop: step %d compaction: %w", stepNum, err)
		}
		messages = compactResult.Messages
		summary = compactResult.Summary

		resp, err := callLLM(ctx, step, provider, spec, reg, messages, in.Streaming, stepNum)
		if err != nil {
			return Output{}, fmt.Errorf("agentloop: step %d llm call: %w", stepNum, err)
		}

		content, toolCalls, retryFeedback, err := applyGuardrails(ctx, spec, messages, resp)
		if err != nil {
			return Output{}, err
		}
		if retryFeedback != "" {
			messages = append(messages, definition.ConversationMessage{Role: definition.RoleUser, Content: retryFeedback})
			continue
		}

		usage.Add(resp.Usage)

		messages = append(messages, definition.ConversationMessage{Role: definition.RoleAssistant, Content: content, ToolCalls: toolCalls})

		stepToolResults, err := dispatchTools(ctx, step, spec, reg, toolCalls, stepNum, logger)
		if err != nil {
			return Output{}, fmt.Errorf("agentloop: step %d tool dispatch: %w", stepNum, err)
		}
		for _, tr := range stepToolResults {
			messages = append(messages, definition.ConversationMessage{Role: definition.RoleTool, Content: fmt.Sprint(tr.Result), ToolCallID: tr.CallID})
		}
		toolResults = append(toolResults, stepToolResults...)

		stepInfo := definition.StepInfo{
			Step:        stepNum,
			Content:     content,
			ToolCalls:   toolCalls,
			ToolResults: stepToolResults,
			Usage:       resp.Usage,
		}
		allSteps = append(allSteps, stepInfo)
		endCtx := definition.HookContext{SessionID: in.SessionID, UserID: in.UserID, Phase: definition.PhaseOnEnd, CurrentOutput: stepInfo}
		if _, err := middleware.RunHooks(ctx, step, spec.Hooks.OnAgentStepEnd, endCtx, fmt.Sprintf("%d.on_agent_step_end", stepNum)); err != nil {
			return Output{}, fmt.Errorf("agentloop: step %d onAgentStepEnd: %w", stepNum, err)
		}

		finalText = content

		terminate := len(toolCalls) == 0
		if !terminate {
			terminate, err = evaluateStopConditions(ctx, step, spec.StopConditions, stepNum, allSteps)
			if err != nil {
				return Output{}, fmt.Errorf("agentloop: step %d stop conditions: %w", stepNum, err)
			}
		}

		if terminate && spec.OutputSchema != nil {
			parsed, ok := tryParseStructured(finalText, spec.OutputSchema)
			if ok {
				structured = parsed
			} else {
				messages = append(messages, definition.ConversationMessage{
					Role:    definition.RoleUser,
					Content: "Your previous response did not match the required output schema. Please respond again with JSON matching the schema exactly.",
				})
				terminate = false
				stepNum++
				resp2, err := callLLM(ctx, step, provider, spec, reg, messages, false, stepNum)
				if err != nil {
					return Output{}, fmt.Errorf("agentloop: structured-output retry: %w", err)
				}
				usage.Add(resp2.Usage)
				finalText = resp2.Content
				messages = append(messages, definition.ConversationMessage{Role: definition.RoleAssistant, Content: resp2.Content})
				parsed2, ok2 := tryParseStructured(finalText, spec.OutputSchema)
				if !ok2 {
					return Output{}, fmt.Errorf("agentloop: structured output did not validate after retry")
				}
				structured = parsed2
				terminate = true
			}
		}

		if terminate {
			break
		}
		stepNum++
	}

	if in.SessionID != "" && sessions != nil {
		persisted := definition.SessionMemory{Summary: summary, Messages: memory.StripSummaryPair(messages)}
		if _, err := step.Run(ctx, "store_session_memory", func(ctx context.Context) (any, error) {
			return nil, sessions.StoreSessionMemory(ctx, in.SessionID, persisted)
		}, definition.DefaultRunOptions()); err != nil {
			return Output{}, fmt.Errorf("agentloop: store session memory: %w", err)
		}
	}

	return Output{
		AgentRunID:  runID,
		Result:      finalText,
		ResultValue: structured,
		ToolResults: toolResults,
		TotalSteps:  stepNum,
		Usage:       usage,
	}, nil
}

func loadHistory(ctx context.Context, step definition.StepAPI, sessions SessionStore, in Input) ([]definition.ConversationMessage, *string, error) {
	var messages []definition.ConversationMessage
	var summary *string

	if in.SessionID != "" && sessions != nil {
		result, err := step.Run(ctx, "load_session_memory", func(ctx context.Context) (any, error) {
			return sessions.LoadSessionMemory(ctx, in.SessionID)
		}, definition.DefaultRunOptions())
		if err != nil {
			return nil, nil, fmt.Errorf("agentloop: load session memory: %w", err)
		}
		mem := result.(definition.SessionMemory)
		summary = mem.Summary
		messages = memory.PrependSummaryPair(mem)
	}

	if in.Text != "" {
		messages = append(messages, definition.ConversationMessage{Role: definition.RoleUser, Content: in.Text})
	} else {
		messages = append(messages, in.Messages...)
	}

	return messages, summary, nil
}

func computeSafetyBound(stopConditions []definition.StopCondition) int {
	for _, sc := range stopConditions {
		if sc.MaxSteps > 0 {
			return 0
		}
	}
	if v := os.Getenv("POLOS_AGENT_MAX_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultSafetyBound
}

func callLLM(ctx context.Context, step definition.StepAPI, provider llm.Provider, spec definition.AgentSpec, reg *registry.Registry, messages []definition.ConversationMessage, streaming bool, stepNum int) (llm.Response, error) {
	req := llm.Request{
		Model:    spec.LLMModel,
		System:   spec.SystemPrompt,
		Messages: toLLMMessages(messages),
	}
	for _, toolID := range spec.Tools {
		def := llm.ToolDefinition{Name: toolID}
		if wf, ok := reg.Get(toolID); ok && wf.Tool != nil {
			def.Description = wf.Tool.Description
			def.InputSchema = wf.Tool.Parameters
		}
		req.Tools = append(req.Tools, def)
	}
	// The structured-output schema is not put on the request, with or
	// without tools: llm.Request has no field for it and no provider adapter
	// sends one. The schema is used only by tryParseStructured, after the
	// model has answered.

	useStreaming := streaming && len(spec.Guardrails) == 0
	if !useStreaming {
		result, err := step.Run(ctx, fmt.Sprintf("%d.llm_call", stepNum), func(ctx context.Context) (any, error) {
			return provider.Generate(ctx, req)
		}, definition.DefaultRunOptions())
		if err != nil {
			return llm.Response{}, err
		}
		return result.(llm.Response), nil
	}

	result, err := step.Run(ctx, fmt.Sprintf("%d.llm_stream", stepNum), func(ctx context.Context) (any, error) {
		return drainStream(ctx, provider, req)
	}, definition.DefaultRunOptions())
	if err != nil {
		return llm.Response{}, err
	}
	return result.(llm.Response), nil
}

func drainStream(ctx context.Context, provider llm.Provider, req llm.Request) (llm.Response, error) {
	stream, err := provider.Stream(ctx, req)
	if err != nil {
		return llm.Response{}, err
	}
	defer stream.Close()

	var resp llm.Response
	var text strings.Builder
	for {
		chunk, err := stream.Recv()
		if err != nil {
			return llm.Response{}, err
		}
		switch chunk.Type {
		case "text":
			text.WriteString(chunk.TextDelta)
		case "tool_call":
			if chunk.ToolCall != nil {
				resp.ToolCalls = append(resp.ToolCalls, *chunk.ToolCall)
			}
		case "usage":
			if chunk.UsageDelta != nil {
				resp.Usage.Add(*chunk.UsageDelta)
			}
		case "stop":
			resp.Content = text.String()
			resp.StopReason = chunk.StopReason
			return resp, nil
		}
	}
}

func toLLMMessages(messages []definition.ConversationMessage) []llm.Message {
	out := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == definition.RoleSystem {
			continue
		}
		out = append(out, llm.Message{Role: m.Role, Parts: []llm.Part{llm.TextPart{Text: m.Content}}})
	}
	return out
}

func applyGuardrails(ctx context.Context, spec definition.AgentSpec, messages []definition.ConversationMessage, resp llm.Response) (content string, toolCalls []definition.ToolCall, retryFeedback string, err error) {
	if len(spec.Guardrails) == 0 {
		return resp.Content, resp.ToolCalls, "", nil
	}
	maxRetries := spec.GuardrailMaxRetries
	content, toolCalls = resp.Content, resp.ToolCalls
	for attempt := 0; attempt <= maxRetries; attempt++ {
		c, tc, retry, feedback, gerr := middleware.RunGuardrails(ctx, spec.Guardrails, definition.GuardrailContext{Content: content, ToolCalls: toolCalls, Messages: messages})
		if gerr != nil {
			return "", nil, "", gerr
		}
		if retry && attempt < maxRetries {
			return "", nil, feedback, nil
		}
		return c, tc, "", nil
	}
	return content, toolCalls, "", nil
}

func dispatchTools(ctx context.Context, step definition.StepAPI, spec definition.AgentSpec, reg *registry.Registry, toolCalls []definition.ToolCall, stepNum int, logger logging.Logger) ([]definition.ToolResultInfo, error) {
	if len(toolCalls) == 0 {
		return nil, nil
	}

	type pendingCall struct {
		call definition.ToolCall
		wf   *definition.Workflow
		args any
	}

	var pending []pendingCall
	for _, tc := range toolCalls {
		wf, ok := reg.Get(tc.Function.Name)
		if !ok {
			if logger != nil {
				logger.Warn(ctx, "agentloop: unknown tool call, skipping", "tool", tc.Function.Name, "call_id", tc.CallID)
			}
			continue
		}
		var args any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			args = map[string]any{}
		}

		hookCtx := definition.HookContext{CurrentPayload: args, Phase: definition.PhaseOnStart}
		hookCtx, err := middleware.RunHooks(ctx, step, spec.Hooks.OnToolStart, hookCtx, fmt.Sprintf("%d.on_tool_start.%s", stepNum, tc.Function.Name))
		if err != nil {
			return nil, err
		}
		pending = append(pending, pendingCall{call: tc, wf: wf, args: hookCtx.CurrentPayload})
	}

	calls := make([]definition.BatchCall, len(pending))
	for i, p := range pending {
		calls[i] = definition.BatchCall{WorkflowID: p.wf.ID, Payload: p.args}
	}

	results, err := step.BatchInvokeAndWait(ctx, fmt.Sprintf("execute_tools:step_%d", stepNum), calls)
	if err != nil {
		return nil, err
	}

	out := make([]definition.ToolResultInfo, 0, len(pending))
	for i, p := range pending {
		info := definition.ToolResultInfo{Name: p.call.Function.Name, CallID: p.call.CallID, Status: "completed"}
		if err, ok := results[i].(error); ok {
			info.Status = "error"
			info.Error = err.Error()
			info.Result = "Error: " + err.Error()
		} else {
			info.Result = results[i]
		}

		endCtx := definition.HookContext{CurrentOutput: info, Phase: definition.PhaseOnEnd}
		if _, err := middleware.RunHooks(ctx, step, spec.Hooks.OnToolEnd, endCtx, fmt.Sprintf("%d.on_tool_end.%s", stepNum, p.call.Function.Name)); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

func evaluateStopConditions(ctx context.Context, step definition.StepAPI, conditions []definition.StopCondition, stepNum int, allSteps []definition.StepInfo) (bool, error) {
	for i, sc := range conditions {
		key := fmt.Sprintf("%d.stop_condition.%s.%d", stepNum, sc.Name, i)
		result, err := step.Run(ctx, key, func(ctx context.Context) (any, error) {
			return sc.Eval(ctx, allSteps)
		}, definition.DefaultRunOptions())
		if err != nil {
			return false, err
		}
		if result.(bool) {
			return true, nil
		}
	}
	return false, nil
}

func tryParseStructured(content string, schema definition.Validator) (any, bool) {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return nil, false
	}
	if err := schema.Validate(parsed); err != nil {
		return nil, false
	}
	return parsed, true
}
