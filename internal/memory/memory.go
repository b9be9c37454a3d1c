// Package memory implements the session conversation compactor (C9):
// token-budget-based summarisation of old messages behind a reserved
// summary-pair marker, with verbatim retention of the most recent messages
// (spec §4.7).
package memory

import (
	"context"
	"fmt"

	"github.com/polos-dev/polos-sub001/internal/definition"
	"github.com/polos-dev/polos-sub001/internal/llm"
)

const (
	defaultMaxConversationTokens = 80000
	defaultMaxSummaryTokens      = 20000
	defaultMinRecentMessages     = 2
)

// summaryMarker is embedded in a summary pair's tool_call_id so
// isSummaryPair can recognise it unambiguously from ordinary history (spec
// §4.7, §9 Open Question: a user message that happens to carry this exact
// marker would be misclassified; documented, not defended against).
const summaryMarker = "__compaction_summary_pair__"

// NormalizeConfig fills zero-valued fields with the spec's documented
// defaults (spec §4.4 step 1).
func NormalizeConfig(cfg definition.CompactionConfig, fallbackModel string) definition.CompactionConfig {
	if cfg.MaxConversationTokens == 0 {
		cfg.MaxConversationTokens = defaultMaxConversationTokens
	}
	if cfg.MaxSummaryTokens == 0 {
		cfg.MaxSummaryTokens = defaultMaxSummaryTokens
	}
	if cfg.MinRecentMessages == 0 {
		cfg.MinRecentMessages = defaultMinRecentMessages
	}
	if cfg.CompactionModel == "" {
		cfg.CompactionModel = fallbackModel
	}
	if cfg.Enabled == nil {
		enabled := true
		cfg.Enabled = &enabled
	}
	return cfg
}

// EstimateTokens is a provider-supplied estimator stand-in: roughly four
// characters per token, the rule of thumb used across the corpus's LLM
// adapters when no tokenizer is wired.
func EstimateTokens(messages []definition.ConversationMessage) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)/4 + 1
		for _, tc := range m.ToolCalls {
			total += len(tc.Function.Arguments) / 4
		}
	}
	return total
}

// IsSummaryPair reports whether messages[at] and messages[at+1] form a
// reserved summary pair (spec §4.7).
func IsSummaryPair(messages []definition.ConversationMessage, at int) bool {
	if at+1 >= len(messages) {
		return false
	}
	u, a := messages[at], messages[at+1]
	return u.Role == definition.RoleUser && a.Role == definition.RoleAssistant && a.ToolCallID == summaryMarker
}

// Result is compactIfNeeded's return value (spec §4.7).
type Result struct {
	Compacted bool
	Messages  []definition.ConversationMessage
	Summary   *string
}

// Summarizer produces a bounded summary of olderMessages (and any prior
// summary) via the compaction LLM. The agent loop supplies this, typically
// backed by a llm.Provider.Generate call under its own step.Run key.
type Summarizer func(ctx context.Context, model string, priorSummary *string, olderMessages []definition.ConversationMessage, maxSummaryTokens int) (string, error)

// CompactIfNeeded implements the spec §4.7 algorithm: if the running token
// estimate exceeds cfg.MaxConversationTokens, summarise everything older
// than the final MinRecentMessages messages and replace the head with a
// fresh summary pair; otherwise return messages unchanged.
func CompactIfNeeded(ctx context.Context, messages []definition.ConversationMessage, summary *string, cfg definition.CompactionConfig, summarize Summarizer) (Result, error) {
	if cfg.Enabled != nil && !*cfg.Enabled {
		return Result{Messages: messages, Summary: summary}, nil
	}
	if EstimateTokens(messages) <= cfg.MaxConversationTokens {
		return Result{Messages: messages, Summary: summary}, nil
	}

	tail := cfg.MinRecentMessages
	if tail > len(messages) {
		tail = len(messages)
	}
	older := messages[:len(messages)-tail]
	recent := messages[len(messages)-tail:]

	newSummary, err := summarize(ctx, cfg.CompactionModel, summary, older, cfg.MaxSummaryTokens)
	if err != nil {
		return Result{}, fmt.Errorf("memory: compaction summarize: %w", err)
	}

	compacted := make([]definition.ConversationMessage, 0, 2+len(recent))
	compacted = append(compacted,
		definition.ConversationMessage{Role: definition.RoleUser, Content: "(conversation summary)"},
		definition.ConversationMessage{Role: definition.RoleAssistant, Content: newSummary, ToolCallID: summaryMarker},
	)
	compacted = append(compacted, recent...)

	return Result{Compacted: true, Messages: compacted, Summary: &newSummary}, nil
}

// StripSummaryPair removes a leading summary pair before persistence (spec
// §4.4 step 9: "strip any leading summary pair, store {summary, messages}").
func StripSummaryPair(messages []definition.ConversationMessage) []definition.ConversationMessage {
	if IsSummaryPair(messages, 0) {
		return messages[2:]
	}
	return messages
}

// PrependSummaryPair reconstructs the in-memory head used during a run from
// a persisted SessionMemory (spec §4.4 step 2: "prepend (summary-user,
// summary-assistant) pair if a summary exists").
func PrependSummaryPair(mem definition.SessionMemory) []definition.ConversationMessage {
	if mem.Summary == nil {
		return mem.Messages
	}
	out := make([]definition.ConversationMessage, 0, 2+len(mem.Messages))
	out = append(out,
		definition.ConversationMessage{Role: definition.RoleUser, Content: "(conversation summary)"},
		definition.ConversationMessage{Role: definition.RoleAssistant, Content: *mem.Summary, ToolCallID: summaryMarker},
	)
	return append(out, mem.Messages...)
}

// DefaultSummarizer builds a Summarizer backed by an llm.Provider: it asks
// the compaction model to summarise the older messages in plain text,
// capped to maxSummaryTokens by MaxTokens (an approximation; providers
// count tokens, not characters, but this keeps the adapter boundary
// provider-agnostic per C8).
func DefaultSummarizer(provider llm.Provider) Summarizer {
	return func(ctx context.Context, model string, priorSummary *string, olderMessages []definition.ConversationMessage, maxSummaryTokens int) (string, error) {
		var transcript string
		if priorSummary != nil {
			transcript += "Previous summary:\n" + *priorSummary + "\n\n"
		}
		for _, m := range olderMessages {
			transcript += string(m.Role) + ": " + m.Content + "\n"
		}
		resp, err := provider.Generate(ctx, llm.Request{
			Model:     model,
			MaxTokens: maxSummaryTokens,
			System:    "Summarise the following conversation concisely, preserving decisions and open threads.",
			Messages: []llm.Message{
				{Role: definition.RoleUser, Parts: []llm.Part{llm.TextPart{Text: transcript}}},
			},
		})
		if err != nil {
			return "", fmt.Errorf("memory: summarizer generate: %w", err)
		}
		return resp.Content, nil
	}
}
