package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/polos-dev/polos-sub001/internal/definition"
	"github.com/polos-dev/polos-sub001/internal/llm"
	"github.com/polos-dev/polos-sub001/internal/logging"
	"github.com/polos-dev/polos-sub001/internal/registry"
)

// NewHandler adapts an AgentSpec into a definition.Handler suitable for
// registration as a KindAgent Workflow's Handler field, bridging the
// generic executor (C12) to Run (C10). The payload is the agent invocation
// shape from spec §4.4: `{input: string|message-list, streaming: bool}`.
func NewHandler(spec definition.AgentSpec, sessions SessionStore, logger logging.Logger) definition.Handler {
	return func(ctx context.Context, step definition.StepAPI, payload any) (any, error) {
		in, err := parsePayload(payload)
		if err != nil {
			return nil, fmt.Errorf("agentloop: parse payload: %w", err)
		}

		provider, err := resolveProvider(llm.GlobalRegistry(), spec.LLMModel)
		if err != nil {
			return nil, err
		}

		runID, err := step.UUID(ctx, "agent_run_id")
		if err != nil {
			return nil, err
		}

		out, err := Run(ctx, step, spec, registry.Global(), provider, sessions, runID, in, logger)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"agent_run_id": out.AgentRunID,
			"result":       out.Result,
			"result_schema": out.ResultValue,
			"tool_results": out.ToolResults,
			"total_steps":  out.TotalSteps,
			"usage":        out.Usage,
		}, nil
	}
}

// resolveProvider maps an "llm.model" string of the form "provider/model"
// (e.g. "anthropic/claude-3-5-sonnet-latest") to a registered llm.Provider.
// A model string with no "/" is treated as an Anthropic model id, matching
// the corpus's default-provider convention for unqualified model names.
func resolveProvider(providers *llm.Registry, model string) (llm.Provider, error) {
	name := "anthropic"
	if i := strings.IndexByte(model, '/'); i >= 0 {
		name = model[:i]
	}
	return providers.Resolve(name)
}

func parsePayload(payload any) (Input, error) {
	m, ok := payload.(map[string]any)
	if !ok {
		if payload == nil {
			return Input{}, nil
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return Input{}, err
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return Input{}, fmt.Errorf("agent payload must be an object: %w", err)
		}
	}

	in := Input{}
	if v, ok := m["sessionId"].(string); ok {
		in.SessionID = v
	}
	if v, ok := m["userId"].(string); ok {
		in.UserID = v
	}
	if v, ok := m["streaming"].(bool); ok {
		in.Streaming = v
	}

	switch v := m["input"].(type) {
	case string:
		in.Text = v
	case []any:
		for _, raw := range v {
			mm, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			msg := definition.ConversationMessage{}
			if role, ok := mm["role"].(string); ok {
				msg.Role = definition.ConversationRole(role)
			}
			if content, ok := mm["content"].(string); ok {
				msg.Content = content
			}
			in.Messages = append(in.Messages, msg)
		}
	}
	return in, nil
}
