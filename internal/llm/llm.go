// Package llm defines the provider-agnostic LLM adapter surface (C8). A
// Part tree models message content (text, images, documents, citations,
// thinking, tool use/results) the way runtime/agent/model does in the
// teacher framework, so concrete provider packages (anthropic, openai,
// bedrock) only need to translate between this shape and their own SDK
// types.
package llm

import (
	"context"
	"errors"

	"github.com/polos-dev/polos-sub001/internal/definition"
)

// Part is a marker interface implemented by every message content block.
type Part interface{ isPart() }

type (
	// TextPart is plain assistant/user/tool text.
	TextPart struct{ Text string }

	// ImagePart carries inline image bytes for multimodal requests.
	ImagePart struct {
		Format string // "png", "jpeg", "gif", "webp"
		Bytes  []byte
	}

	// DocumentPart carries a document attachment, by bytes, inline text, or
	// external URI (exactly one populated).
	DocumentPart struct {
		Name   string
		Format string // "pdf", "txt", "md", ...
		Bytes  []byte
		Text   string
		URI    string
	}

	// CitationsPart is generated text paired with source citations.
	CitationsPart struct {
		Text      string
		Citations []Citation
	}

	// Citation references a source location within a DocumentPart.
	Citation struct {
		Title  string
		Source string
	}

	// ThinkingPart is provider-issued reasoning content, treated as opaque.
	ThinkingPart struct {
		Text      string
		Signature string
		Redacted  []byte
		Final     bool
	}

	// ToolUsePart is a tool invocation requested by the model.
	ToolUsePart struct {
		ID    string
		Name  string
		Input any // JSON-compatible arguments
	}

	// ToolResultPart carries the outcome of a prior ToolUsePart back to the
	// model.
	ToolResultPart struct {
		ToolUseID string
		Content   any
		IsError   bool
	}

	// CacheCheckpointPart marks a prompt-cache boundary; providers that do
	// not support caching ignore it.
	CacheCheckpointPart struct{}
)

func (TextPart) isPart()            {}
func (ImagePart) isPart()           {}
func (DocumentPart) isPart()        {}
func (CitationsPart) isPart()       {}
func (ThinkingPart) isPart()        {}
func (ToolUsePart) isPart()         {}
func (ToolResultPart) isPart()      {}
func (CacheCheckpointPart) isPart() {}

// Message is one entry in the transcript sent to a Provider.
type Message struct {
	Role  definition.ConversationRole
	Parts []Part
}

// ToolDefinition describes a tool exposed to the model, derived from a
// registered tool Workflow's ToolSpec (spec §4.4 step 2).
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema any
}

// ToolChoice constrains how the model uses tools for a single request.
type ToolChoice struct {
	Mode string // "auto", "none", "any", "tool"
	Name string
}

// Request captures the inputs to one model call.
type Request struct {
	Model       string
	Messages    []Message
	System      string
	Temperature float32
	MaxTokens   int
	Tools       []ToolDefinition
	ToolChoice  *ToolChoice
	Stream      bool
}

// Response is the result of a non-streaming Generate call.
type Response struct {
	Content    string
	ToolCalls  []definition.ToolCall
	Usage      definition.Usage
	StopReason string
	Raw        any
}

// Chunk is one streaming event.
type Chunk struct {
	Type       string // "text", "tool_call", "thinking", "usage", "stop"
	TextDelta  string
	ToolCall   *definition.ToolCall
	UsageDelta *definition.Usage
	StopReason string
}

// Streamer delivers incremental model output; callers drain Recv until a
// Chunk of Type "stop" (or an error), then Close. The provided adapters
// signal the end of the stream with a "stop" chunk, not io.EOF.
type Streamer interface {
	Recv() (Chunk, error)
	Close() error
}

// Provider is the adapter contract every concrete LLM backend implements
// (spec §4.4 step 2). Each provider package (anthropic, openai, bedrock)
// wraps its own SDK client behind this interface.
type Provider interface {
	Generate(ctx context.Context, req Request) (Response, error)
	Stream(ctx context.Context, req Request) (Streamer, error)
}

// ErrStreamingUnsupported indicates the provider has no streaming support.
var ErrStreamingUnsupported = errors.New("llm: streaming not supported by this provider")

// ErrRateLimited indicates the provider rejected the request after
// exhausting its own retry budget; callers must not retry in a tight loop.
var ErrRateLimited = errors.New("llm: rate limited")

// Registry resolves a model family name (e.g. "anthropic", "openai",
// "bedrock") to a concrete Provider, used by the agent loop to pick an
// adapter from AgentSpec.LLMModel's provider prefix.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry constructs an empty provider Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register binds name to a Provider implementation.
func (r *Registry) Register(name string, p Provider) {
	r.providers[name] = p
}

// Resolve returns the Provider registered under name.
func (r *Registry) Resolve(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, errors.New("llm: no provider registered for " + name)
	}
	return p, nil
}

// global is the process-wide provider Registry, mirroring
// registry.Global()'s role for workflow definitions: agent handlers are
// typically built (via agentloop.NewHandler) before main() has constructed
// concrete provider clients from environment credentials, so they resolve
// providers through this indirection instead of a constructor argument.
var global = NewRegistry()

// GlobalRegistry returns the process-wide provider Registry.
func GlobalRegistry() *Registry { return global }

// SetGlobalRegistry replaces the process-wide provider Registry, used once
// at startup after provider credentials have been read from the
// environment.
func SetGlobalRegistry(r *Registry) { global = r }
