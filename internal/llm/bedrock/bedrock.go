// Package bedrock adapts github.com/aws/aws-sdk-go-v2's bedrockruntime
// client to the provider-agnostic llm.Provider interface (C8), using the
// Converse API so the same adapter works across Bedrock's model families
// (Claude, Nova, Llama) without per-model request shapes.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go/document"

	"github.com/polos-dev/polos-sub001/internal/definition"
	"github.com/polos-dev/polos-sub001/internal/llm"
)

// Provider wraps a bedrockruntime.Client.
type Provider struct {
	client *bedrockruntime.Client
}

// New constructs a Provider from an already-loaded aws.Config (credentials
// and region resolved by the caller via config.LoadDefaultConfig).
func New(cfg aws.Config) *Provider {
	return &Provider{client: bedrockruntime.NewFromConfig(cfg)}
}

func (p *Provider) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	input, err := toConverseInput(req)
	if err != nil {
		return llm.Response{}, err
	}
	out, err := p.client.Converse(ctx, input)
	if err != nil {
		return llm.Response{}, fmt.Errorf("bedrock: generate: %w", err)
	}
	return fromConverseOutput(out)
}

func (p *Provider) Stream(ctx context.Context, req llm.Request) (llm.Streamer, error) {
	input, err := toConverseStreamInput(req)
	if err != nil {
		return nil, err
	}
	out, err := p.client.ConverseStream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("bedrock: stream: %w", err)
	}
	return &streamer{events: out.GetStream()}, nil
}

func toConverseInput(req llm.Request) (*bedrockruntime.ConverseInput, error) {
	messages, err := toMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(req.Model),
		Messages: messages,
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	if req.MaxTokens > 0 || req.Temperature > 0 {
		input.InferenceConfig = &types.InferenceConfiguration{}
		if req.MaxTokens > 0 {
			input.InferenceConfig.MaxTokens = aws.Int32(int32(req.MaxTokens))
		}
		if req.Temperature > 0 {
			input.InferenceConfig.Temperature = aws.Float32(req.Temperature)
		}
	}
	if len(req.Tools) > 0 {
		toolCfg := &types.ToolConfiguration{}
		for _, t := range req.Tools {
			toolCfg.Tools = append(toolCfg.Tools, &types.ToolMemberToolSpec{
				Value: types.ToolSpecification{
					Name:        aws.String(t.Name),
					Description: aws.String(t.Description),
					InputSchema: &types.ToolInputSchemaMemberJson{Value: toDocument(t.InputSchema)},
				},
			})
		}
		input.ToolConfig = toolCfg
	}
	return input, nil
}

func toConverseStreamInput(req llm.Request) (*bedrockruntime.ConverseStreamInput, error) {
	base, err := toConverseInput(req)
	if err != nil {
		return nil, err
	}
	return &bedrockruntime.ConverseStreamInput{
		ModelId:         base.ModelId,
		Messages:        base.Messages,
		System:          base.System,
		InferenceConfig: base.InferenceConfig,
		ToolConfig:      base.ToolConfig,
	}, nil
}

func toMessages(msgs []llm.Message) ([]types.Message, error) {
	out := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		var role types.ConversationRole
		switch m.Role {
		case definition.RoleAssistant:
			role = types.ConversationRoleAssistant
		default:
			role = types.ConversationRoleUser
		}
		blocks, err := toContentBlocks(m.Parts)
		if err != nil {
			return nil, err
		}
		out = append(out, types.Message{Role: role, Content: blocks})
	}
	return out, nil
}

func toContentBlocks(parts []llm.Part) ([]types.ContentBlock, error) {
	blocks := make([]types.ContentBlock, 0, len(parts))
	for _, p := range parts {
		switch v := p.(type) {
		case llm.TextPart:
			blocks = append(blocks, &types.ContentBlockMemberText{Value: v.Text})
		case llm.ToolUsePart:
			blocks = append(blocks, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(v.ID),
					Name:      aws.String(v.Name),
					Input:     toDocument(v.Input),
				},
			})
		case llm.ToolResultPart:
			status := types.ToolResultStatusSuccess
			if v.IsError {
				status = types.ToolResultStatusError
			}
			blocks = append(blocks, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(v.ToolUseID),
					Status:    status,
					Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberJson{Value: toDocument(v.Content)}},
				},
			})
		default:
			return nil, fmt.Errorf("bedrock: unsupported part type %T", p)
		}
	}
	return blocks, nil
}

func toDocument(v any) document.Interface {
	raw, _ := json.Marshal(v)
	return document.NewLazyDocument(json.RawMessage(raw))
}

func fromConverseOutput(out *bedrockruntime.ConverseOutput) (llm.Response, error) {
	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return llm.Response{}, fmt.Errorf("bedrock: unexpected output variant %T", out.Output)
	}
	var content string
	var calls []definition.ToolCall
	for _, block := range msg.Value.Content {
		switch b := block.(type) {
		case *types.ContentBlockMemberText:
			content += b.Value
		case *types.ContentBlockMemberToolUse:
			args, _ := json.Marshal(b.Value.Input)
			calls = append(calls, definition.ToolCall{
				ID:       aws.ToString(b.Value.ToolUseId),
				CallID:   aws.ToString(b.Value.ToolUseId),
				Function: definition.ToolCallFunction{Name: aws.ToString(b.Value.Name), Arguments: string(args)},
			})
		}
	}
	usage := definition.Usage{}
	if out.Usage != nil {
		usage.InputTokens = int(aws.ToInt32(out.Usage.InputTokens))
		usage.OutputTokens = int(aws.ToInt32(out.Usage.OutputTokens))
		usage.TotalTokens = int(aws.ToInt32(out.Usage.TotalTokens))
	}
	return llm.Response{
		Content:    content,
		ToolCalls:  calls,
		StopReason: string(out.StopReason),
		Usage:      usage,
		Raw:        out,
	}, nil
}

type streamer struct {
	events *bedrockruntime.ConverseStreamEventStream
}

func (s *streamer) Recv() (llm.Chunk, error) {
	event, ok := <-s.events.Events()
	if !ok {
		if err := s.events.Err(); err != nil {
			return llm.Chunk{}, fmt.Errorf("bedrock: stream: %w", err)
		}
		return llm.Chunk{Type: "stop"}, nil
	}
	switch e := event.(type) {
	case *types.ConverseStreamOutputMemberContentBlockDelta:
		if textDelta, ok := e.Value.Delta.(*types.ContentBlockDeltaMemberText); ok {
			return llm.Chunk{Type: "text", TextDelta: textDelta.Value}, nil
		}
	case *types.ConverseStreamOutputMemberMessageStop:
		return llm.Chunk{Type: "stop", StopReason: string(e.Value.StopReason)}, nil
	case *types.ConverseStreamOutputMemberMetadata:
		if e.Value.Usage != nil {
			return llm.Chunk{Type: "usage", UsageDelta: &definition.Usage{
				InputTokens:  int(aws.ToInt32(e.Value.Usage.InputTokens)),
				OutputTokens: int(aws.ToInt32(e.Value.Usage.OutputTokens)),
				TotalTokens:  int(aws.ToInt32(e.Value.Usage.TotalTokens)),
			}}, nil
		}
	}
	return llm.Chunk{Type: "text"}, nil
}

func (s *streamer) Close() error { return nil }
