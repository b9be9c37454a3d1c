package agentloop

import (
	"context"
	"testing"

	"github.com/polos-dev/polos-sub001/internal/llm"
)

// fakeProvider is a no-op llm.Provider used only to exercise Registry
// resolution; its Generate/Stream methods are never invoked by these tests.
type fakeProvider struct{}

func (fakeProvider) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	return llm.Response{}, nil
}

func (fakeProvider) Stream(ctx context.Context, req llm.Request) (llm.Streamer, error) {
	return nil, llm.ErrStreamingUnsupported
}

func TestResolveProviderDefaultsToAnthropic(t *testing.T) {
	reg := llm.NewRegistry()
	reg.Register("anthropic", fakeProvider{})

	p, err := resolveProvider(reg, "claude-3-5-sonnet-latest")
	if err != nil {
		t.Fatal(err)
	}
	if p == nil {
		t.Fatal("expected a resolved provider")
	}
}

func TestResolveProviderUsesPrefix(t *testing.T) {
	reg := llm.NewRegistry()
	reg.Register("openai", fakeProvider{})

	if _, err := resolveProvider(reg, "anthropic/claude-3-5-sonnet-latest"); err == nil {
		t.Fatal("expected unregistered provider prefix to fail")
	}
	if _, err := resolveProvider(reg, "openai/gpt-4o"); err != nil {
		t.Fatalf("expected openai prefix to resolve, got %v", err)
	}
}

func TestParsePayloadStringInput(t *testing.T) {
	in, err := parsePayload(map[string]any{"input": "hello", "streaming": true, "sessionId": "s1"})
	if err != nil {
		t.Fatal(err)
	}
	if in.Text != "hello" || !in.Streaming || in.SessionID != "s1" {
		t.Fatalf("unexpected parsed input: %+v", in)
	}
}

func TestParsePayloadMessageListInput(t *testing.T) {
	in, err := parsePayload(map[string]any{
		"input": []any{
			map[string]any{"role": "user", "content": "hi"},
			map[string]any{"role": "assistant", "content": "hello back"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(in.Messages) != 2 || in.Messages[0].Content != "hi" {
		t.Fatalf("unexpected messages: %+v", in.Messages)
	}
}

func TestParsePayloadNil(t *testing.T) {
	in, err := parsePayload(nil)
	if err != nil {
		t.Fatal(err)
	}
	if in.Text != "" || in.Messages != nil {
		t.Fatalf("expected empty input for nil payload, got %+v", in)
	}
}
