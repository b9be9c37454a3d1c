// Package anthropic adapts github.com/anthropics/anthropic-sdk-go to the
// provider-agnostic llm.Provider interface (C8).
package anthropic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/polos-dev/polos-sub001/internal/definition"
	"github.com/polos-dev/polos-sub001/internal/llm"
)

// Provider wraps an anthropic.Client.
type Provider struct {
	client anthropic.Client
}

// New constructs a Provider. apiKey may be empty to fall back to the
// ANTHROPIC_API_KEY environment variable, matching the SDK's own default.
func New(apiKey string) *Provider {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &Provider{client: anthropic.NewClient(opts...)}
}

func (p *Provider) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	params, err := toMessageParams(req)
	if err != nil {
		return llm.Response{}, err
	}
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return llm.Response{}, fmt.Errorf("anthropic: generate: %w", err)
	}
	return fromMessage(msg), nil
}

func (p *Provider) Stream(ctx context.Context, req llm.Request) (llm.Streamer, error) {
	params, err := toMessageParams(req)
	if err != nil {
		return nil, err
	}
	stream := p.client.Messages.NewStreaming(ctx, params)
	return &streamer{stream: stream}, nil
}

func toMessageParams(req llm.Request) (anthropic.MessageNewParams, error) {
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		blocks, err := toContentBlocks(m.Parts)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		switch m.Role {
		case definition.RoleUser, definition.RoleTool:
			messages = append(messages, anthropic.NewUserMessage(blocks...))
		case definition.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(req.Temperature))
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: toInputSchema(t.InputSchema),
			},
		})
	}
	return params, nil
}

func toInputSchema(schema any) anthropic.ToolInputSchemaParam {
	raw, _ := json.Marshal(schema)
	var props any
	_ = json.Unmarshal(raw, &props)
	return anthropic.ToolInputSchemaParam{Properties: props}
}

func toContentBlocks(parts []llm.Part) ([]anthropic.ContentBlockParamUnion, error) {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(parts))
	for _, p := range parts {
		switch v := p.(type) {
		case llm.TextPart:
			blocks = append(blocks, anthropic.NewTextBlock(v.Text))
		case llm.ToolUsePart:
			blocks = append(blocks, anthropic.NewToolUseBlock(v.ID, v.Input, v.Name))
		case llm.ToolResultPart:
			content, _ := json.Marshal(v.Content)
			blocks = append(blocks, anthropic.NewToolResultBlock(v.ToolUseID, string(content), v.IsError))
		case llm.ImagePart:
			blocks = append(blocks, anthropic.NewImageBlockBase64("image/"+v.Format, base64.StdEncoding.EncodeToString(v.Bytes)))
		default:
			return nil, fmt.Errorf("anthropic: unsupported part type %T", p)
		}
	}
	return blocks, nil
}

func fromMessage(msg *anthropic.Message) llm.Response {
	var content string
	var calls []definition.ToolCall
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			content += b.Text
		case anthropic.ToolUseBlock:
			args, _ := json.Marshal(b.Input)
			calls = append(calls, definition.ToolCall{
				ID:       b.ID,
				CallID:   b.ID,
				Function: definition.ToolCallFunction{Name: b.Name, Arguments: string(args)},
			})
		}
	}
	return llm.Response{
		Content:    content,
		ToolCalls:  calls,
		StopReason: string(msg.StopReason),
		Usage: definition.Usage{
			InputTokens:              int(msg.Usage.InputTokens),
			OutputTokens:             int(msg.Usage.OutputTokens),
			TotalTokens:              int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
			CacheReadInputTokens:     int(msg.Usage.CacheReadInputTokens),
			CacheCreationInputTokens: int(msg.Usage.CacheCreationInputTokens),
		},
		Raw: msg,
	}
}

type streamer struct {
	stream  *anthropic.MessageStream
	message anthropic.Message
}

func (s *streamer) Recv() (llm.Chunk, error) {
	if !s.stream.Next() {
		if err := s.stream.Err(); err != nil {
			return llm.Chunk{}, fmt.Errorf("anthropic: stream: %w", err)
		}
		return llm.Chunk{Type: "stop"}, nil
	}
	event := s.stream.Current()
	if err := s.message.Accumulate(event); err != nil {
		return llm.Chunk{}, fmt.Errorf("anthropic: accumulate: %w", err)
	}
	switch delta := event.AsAny().(type) {
	case anthropic.ContentBlockDeltaEvent:
		if text := delta.Delta.Text; text != "" {
			return llm.Chunk{Type: "text", TextDelta: text}, nil
		}
	case anthropic.MessageDeltaEvent:
		return llm.Chunk{
			Type:       "usage",
			StopReason: string(delta.Delta.StopReason),
			UsageDelta: &definition.Usage{OutputTokens: int(delta.Usage.OutputTokens)},
		}, nil
	}
	return llm.Chunk{Type: "text"}, nil
}

func (s *streamer) Close() error { return s.stream.Close() }
