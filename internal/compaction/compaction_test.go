package compaction

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

// countingSummarizer returns canned summaries and records calls.
type countingSummarizer struct {
	calls      int
	mergeCalls int
}

func (s *countingSummarizer) Summarize(ctx context.Context, messages []*Message, instructions string) (string, error) {
	s.calls++
	if instructions != "" {
		s.mergeCalls++
		return "merged summary", nil
	}
	return fmt.Sprintf("summary of %d messages", len(messages)), nil
}

func msg(role, content string) *Message {
	return &Message{Role: role, Content: content}
}

// bulk produces a message of roughly n tokens.
func bulk(role string, n int) *Message {
	return msg(role, strings.Repeat("word", n))
}

func TestTokens_CachedEstimate(t *testing.T) {
	m := msg("user", "12345678") // 8 chars -> 2 tokens
	if got := m.Tokens(); got != 2 {
		t.Errorf("Tokens() = %d, want 2", got)
	}
}

func TestChunkRatio_SmallMessagesUseBase(t *testing.T) {
	messages := []*Message{bulk("user", 10), bulk("assistant", 10)}
	if got := ChunkRatio(messages, 100000); got != BaseChunkRatio {
		t.Errorf("ChunkRatio() = %v, want base %v", got, BaseChunkRatio)
	}
}

func TestChunkRatio_LargeMessagesShrink(t *testing.T) {
	// One message of ~5000 tokens in a 10000-token window: padded average
	// share 0.6 is far over the 10% threshold.
	messages := []*Message{bulk("user", 5000)}
	got := ChunkRatio(messages, 10000)
	if got >= BaseChunkRatio {
		t.Errorf("ChunkRatio() = %v, should shrink below base", got)
	}
	if got < MinChunkRatio {
		t.Errorf("ChunkRatio() = %v, below floor %v", got, MinChunkRatio)
	}
}

func TestChunkRatio_FloorsAtMin(t *testing.T) {
	messages := []*Message{bulk("user", 9000)}
	if got := ChunkRatio(messages, 10000); got != MinChunkRatio {
		t.Errorf("ChunkRatio() = %v, want floor %v", got, MinChunkRatio)
	}
}

func TestCompact_UnderBudgetUnchanged(t *testing.T) {
	engine := NewEngine(&countingSummarizer{})
	messages := []*Message{msg("user", "hi"), msg("assistant", "hello")}

	out, err := engine.Compact(context.Background(), messages, 100000, 2000)
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if len(out) != len(messages) {
		t.Errorf("under-budget conversation should be unchanged")
	}
	for i := range out {
		if out[i] != messages[i] {
			t.Errorf("message %d replaced", i)
		}
	}
}

func TestCompact_ReplacesOldSegmentWithSummary(t *testing.T) {
	s := &countingSummarizer{}
	engine := NewEngine(s)

	var messages []*Message
	for i := 0; i < 40; i++ {
		messages = append(messages, bulk("user", 100)) // ~100 tokens each
	}
	last := messages[len(messages)-1]

	out, err := engine.Compact(context.Background(), messages, 4000, 1000)
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if len(out) >= len(messages) {
		t.Fatalf("expected compaction to shrink history: %d -> %d", len(messages), len(out))
	}
	if !out[0].Summary || out[0].Role != "system" {
		t.Errorf("first message should be the synthetic summary, got %+v", out[0])
	}
	if out[len(out)-1] != last {
		t.Error("most recent message must be preserved verbatim")
	}
	if s.calls == 0 {
		t.Error("summarizer was never called")
	}
}

func TestCompact_PreservesOrder(t *testing.T) {
	engine := NewEngine(&countingSummarizer{})

	var messages []*Message
	for i := 0; i < 30; i++ {
		m := bulk("user", 100)
		m.TimestampMs = int64(i)
		messages = append(messages, m)
	}

	out, err := engine.Compact(context.Background(), messages, 4000, 1000)
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	var prev int64 = -1
	for _, m := range out[1:] { // skip summary
		if m.TimestampMs < prev {
			t.Fatal("recent window reordered")
		}
		prev = m.TimestampMs
	}
}

func TestCompact_Idempotent(t *testing.T) {
	engine := NewEngine(&countingSummarizer{})

	var messages []*Message
	for i := 0; i < 40; i++ {
		messages = append(messages, bulk("user", 100))
	}

	once, err := engine.Compact(context.Background(), messages, 4000, 1000)
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	twice, err := engine.Compact(context.Background(), once, 4000, 1000)
	if err != nil {
		t.Fatalf("second Compact() error = %v", err)
	}
	if len(twice) != len(once) {
		t.Fatalf("second pass changed length: %d -> %d", len(once), len(twice))
	}
	for i := range twice {
		if twice[i] != once[i] {
			t.Errorf("second pass replaced message %d", i)
		}
	}
}

func TestCompact_SingleOversizedMessageKept(t *testing.T) {
	engine := NewEngine(&countingSummarizer{})

	// The last message alone exceeds the chunk-ratio budget; the recent
	// window must be exactly that one message.
	old := bulk("user", 500)
	giant := bulk("user", 5000)
	messages := []*Message{old, giant}

	out, err := engine.Compact(context.Background(), messages, 4000, 500)
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if out[len(out)-1] != giant {
		t.Error("oversized most-recent message must survive compaction")
	}
}

func TestCompact_StagedSummarizationMerges(t *testing.T) {
	s := &countingSummarizer{}
	engine := NewEngine(s, WithParts(2))

	var messages []*Message
	for i := 0; i < 60; i++ {
		messages = append(messages, bulk("user", 100))
	}

	if _, err := engine.Compact(context.Background(), messages, 4000, 1000); err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if s.mergeCalls == 0 {
		t.Error("expected a merge pass over partial summaries")
	}
	// 2 chunk summaries + 1 merge.
	if s.calls != 3 {
		t.Errorf("calls = %d, want 3", s.calls)
	}
}

func TestMergeSummaries_BaseCase(t *testing.T) {
	engine := NewEngine(&countingSummarizer{})
	got, err := engine.mergeSummaries(context.Background(), []string{"only"}, 0)
	if err != nil {
		t.Fatalf("mergeSummaries() error = %v", err)
	}
	if got != "only" {
		t.Errorf("mergeSummaries() = %q", got)
	}
}

func TestMergeSummaries_LargeListRecurses(t *testing.T) {
	s := &countingSummarizer{}
	engine := NewEngine(s)

	parts := make([]string, 10)
	for i := range parts {
		parts[i] = fmt.Sprintf("part %d", i)
	}
	got, err := engine.mergeSummaries(context.Background(), parts, 0)
	if err != nil {
		t.Fatalf("mergeSummaries() error = %v", err)
	}
	if got == "" {
		t.Error("empty merged summary")
	}
	if s.mergeCalls == 0 {
		t.Error("expected merge calls")
	}
}

func TestSplitByTokenShare_Balanced(t *testing.T) {
	var messages []*Message
	for i := 0; i < 8; i++ {
		messages = append(messages, bulk("user", 100))
	}
	chunks := splitByTokenShare(messages, 2)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	a, b := TotalTokens(chunks[0]), TotalTokens(chunks[1])
	if a == 0 || b == 0 {
		t.Fatal("empty chunk")
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	if diff > 200 {
		t.Errorf("unbalanced chunks: %d vs %d tokens", a, b)
	}
}

func TestOverBudget(t *testing.T) {
	messages := []*Message{bulk("user", 100)}
	if OverBudget(messages, 100000, 1000) {
		t.Error("small conversation flagged over budget")
	}
	if !OverBudget(messages, 120, 50) {
		t.Error("expected over budget")
	}
}
