// Package openai adapts github.com/openai/openai-go to the
// provider-agnostic llm.Provider interface (C8).
package openai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/polos-dev/polos-sub001/internal/definition"
	"github.com/polos-dev/polos-sub001/internal/llm"
)

// Provider wraps an openai.Client for chat completions.
type Provider struct {
	client openai.Client
}

// New constructs a Provider. apiKey may be empty to fall back to the
// OPENAI_API_KEY environment variable.
func New(apiKey string) *Provider {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &Provider{client: openai.NewClient(opts...)}
}

func (p *Provider) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	params := toChatParams(req)
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return llm.Response{}, fmt.Errorf("openai: generate: %w", err)
	}
	return fromCompletion(resp), nil
}

func (p *Provider) Stream(ctx context.Context, req llm.Request) (llm.Streamer, error) {
	params := toChatParams(req)
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	return &streamer{stream: stream}, nil
}

func toChatParams(req llm.Request) openai.ChatCompletionNewParams {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		text := textOf(m.Parts)
		switch m.Role {
		case definition.RoleUser:
			messages = append(messages, openai.UserMessage(text))
		case definition.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(text))
		case definition.RoleTool:
			messages = append(messages, openai.ToolMessage(text, toolCallID(m.Parts)))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    req.Model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = param.NewOpt(float64(req.Temperature))
	}
	for _, t := range req.Tools {
		var schema map[string]any
		raw, _ := json.Marshal(t.InputSchema)
		_ = json.Unmarshal(raw, &schema)
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: param.NewOpt(t.Description),
				Parameters:  schema,
			},
		})
	}
	return params
}

func textOf(parts []llm.Part) string {
	var out string
	for _, p := range parts {
		if t, ok := p.(llm.TextPart); ok {
			out += t.Text
		}
	}
	return out
}

func toolCallID(parts []llm.Part) string {
	for _, p := range parts {
		if r, ok := p.(llm.ToolResultPart); ok {
			return r.ToolUseID
		}
	}
	return ""
}

func fromCompletion(resp *openai.ChatCompletion) llm.Response {
	if len(resp.Choices) == 0 {
		return llm.Response{}
	}
	choice := resp.Choices[0]
	var calls []definition.ToolCall
	for _, tc := range choice.Message.ToolCalls {
		calls = append(calls, definition.ToolCall{
			ID:     tc.ID,
			CallID: tc.ID,
			Function: definition.ToolCallFunction{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return llm.Response{
		Content:    choice.Message.Content,
		ToolCalls:  calls,
		StopReason: string(choice.FinishReason),
		Usage: definition.Usage{
			InputTokens:          int(resp.Usage.PromptTokens),
			OutputTokens:         int(resp.Usage.CompletionTokens),
			TotalTokens:          int(resp.Usage.TotalTokens),
			CacheReadInputTokens: int(resp.Usage.PromptTokensDetails.CachedTokens),
		},
		Raw: resp,
	}
}

type streamer struct {
	stream *openai.ChatCompletionChunkStream
}

func (s *streamer) Recv() (llm.Chunk, error) {
	if !s.stream.Next() {
		if err := s.stream.Err(); err != nil {
			return llm.Chunk{}, fmt.Errorf("openai: stream: %w", err)
		}
		return llm.Chunk{Type: "stop"}, nil
	}
	chunk := s.stream.Current()
	if len(chunk.Choices) == 0 {
		return llm.Chunk{Type: "text"}, nil
	}
	delta := chunk.Choices[0].Delta
	if delta.Content != "" {
		return llm.Chunk{Type: "text", TextDelta: delta.Content}, nil
	}
	if reason := chunk.Choices[0].FinishReason; reason != "" {
		return llm.Chunk{Type: "stop", StopReason: reason}, nil
	}
	return llm.Chunk{Type: "text"}, nil
}

func (s *streamer) Close() error { return s.stream.Close() }
