package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/polos-dev/polos-sub001/internal/definition"
)

func TestNormalizeConfigFillsDefaults(t *testing.T) {
	cfg := NormalizeConfig(definition.CompactionConfig{}, "anthropic/claude-3-5-haiku-latest")
	if cfg.MaxConversationTokens != defaultMaxConversationTokens {
		t.Fatalf("expected default MaxConversationTokens, got %d", cfg.MaxConversationTokens)
	}
	if cfg.MaxSummaryTokens != defaultMaxSummaryTokens {
		t.Fatalf("expected default MaxSummaryTokens, got %d", cfg.MaxSummaryTokens)
	}
	if cfg.MinRecentMessages != defaultMinRecentMessages {
		t.Fatalf("expected default MinRecentMessages, got %d", cfg.MinRecentMessages)
	}
	if cfg.CompactionModel != "anthropic/claude-3-5-haiku-latest" {
		t.Fatalf("expected fallback model, got %q", cfg.CompactionModel)
	}
	if cfg.Enabled == nil || !*cfg.Enabled {
		t.Fatal("expected Enabled to default true")
	}
}

func TestCompactIfNeededSkipsWhenDisabled(t *testing.T) {
	disabled := false
	cfg := definition.CompactionConfig{Enabled: &disabled, MaxConversationTokens: 1}
	messages := []definition.ConversationMessage{{Role: definition.RoleUser, Content: strings.Repeat("x", 1000)}}
	res, err := CompactIfNeeded(context.Background(), messages, nil, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Compacted {
		t.Fatal("expected disabled compaction to be a no-op")
	}
}

func TestCompactIfNeededSkipsUnderBudget(t *testing.T) {
	cfg := definition.CompactionConfig{MaxConversationTokens: 1_000_000, MinRecentMessages: 2}
	messages := []definition.ConversationMessage{{Role: definition.RoleUser, Content: "hi"}}
	res, err := CompactIfNeeded(context.Background(), messages, nil, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Compacted || len(res.Messages) != 1 {
		t.Fatalf("expected unchanged messages under budget, got %+v", res)
	}
}

func TestCompactIfNeededSummarizesOverBudgetAndKeepsTail(t *testing.T) {
	cfg := definition.CompactionConfig{MaxConversationTokens: 1, MaxSummaryTokens: 100, MinRecentMessages: 1}
	messages := []definition.ConversationMessage{
		{Role: definition.RoleUser, Content: "first"},
		{Role: definition.RoleAssistant, Content: "second"},
		{Role: definition.RoleUser, Content: "third - keep me"},
	}
	var gotOlder []definition.ConversationMessage
	summarize := func(ctx context.Context, model string, prior *string, older []definition.ConversationMessage, maxTokens int) (string, error) {
		gotOlder = older
		return "a summary", nil
	}
	res, err := CompactIfNeeded(context.Background(), messages, nil, cfg, summarize)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Compacted {
		t.Fatal("expected compaction to trigger over budget")
	}
	if len(gotOlder) != 2 {
		t.Fatalf("expected the two oldest messages summarized, got %d", len(gotOlder))
	}
	if len(res.Messages) != 3 {
		t.Fatalf("expected summary pair + 1 retained tail message, got %d", len(res.Messages))
	}
	if res.Messages[len(res.Messages)-1].Content != "third - keep me" {
		t.Fatalf("expected tail message preserved verbatim, got %q", res.Messages[len(res.Messages)-1].Content)
	}
	if res.Summary == nil || *res.Summary != "a summary" {
		t.Fatalf("expected returned summary to be recorded, got %v", res.Summary)
	}
	if !IsSummaryPair(res.Messages, 0) {
		t.Fatal("expected compacted head to be a recognised summary pair")
	}
}

func TestStripAndPrependSummaryPairRoundTrip(t *testing.T) {
	summary := "prior summary"
	mem := definition.SessionMemory{
		Summary:  &summary,
		Messages: []definition.ConversationMessage{{Role: definition.RoleUser, Content: "hello"}},
	}
	withHead := PrependSummaryPair(mem)
	if !IsSummaryPair(withHead, 0) {
		t.Fatal("expected prepended head to read back as a summary pair")
	}
	stripped := StripSummaryPair(withHead)
	if len(stripped) != 1 || stripped[0].Content != "hello" {
		t.Fatalf("expected stripping to restore original messages, got %+v", stripped)
	}
}

func TestPrependSummaryPairNoOpWithoutSummary(t *testing.T) {
	mem := definition.SessionMemory{Messages: []definition.ConversationMessage{{Role: definition.RoleUser, Content: "hi"}}}
	out := PrependSummaryPair(mem)
	if len(out) != 1 {
		t.Fatalf("expected no pair prepended when Summary is nil, got %+v", out)
	}
}
