// Package compaction keeps conversation history inside a token budget by
// replacing a prefix of older messages with a staged, merged summary. The
// recent window is never summarized and message order is never changed.
package compaction

import (
	"context"
	"fmt"
	"strings"
)

const (
	// BaseChunkRatio is the default share of the context window kept as the
	// recent window.
	BaseChunkRatio = 0.40

	// MinChunkRatio is the floor the adaptive ratio shrinks toward.
	MinChunkRatio = 0.15

	// SafetyMargin pads token estimates by 20% for estimation error.
	SafetyMargin = 1.2

	// AvgShareThreshold is the average-message share of the context window
	// above which the chunk ratio starts shrinking.
	AvgShareThreshold = 0.10

	// DefaultParts is the number of sub-chunks for staged summarization.
	DefaultParts = 2

	// CharsPerToken approximates the character-to-token ratio.
	CharsPerToken = 4

	// maxMergeDepth bounds summary-merge recursion. Expected depth is
	// log2 of the chunk count; anything deeper is a configuration error.
	maxMergeDepth = 16

	// mergeFanIn is how many partial summaries one merge call combines.
	mergeFanIn = 4

	summaryFallback = "No prior history."
)

// Message is one conversation entry.
type Message struct {
	// Role is "user", "assistant", or "system".
	Role string

	// Content is the text content.
	Content string

	// TimestampMs is the creation time in Unix milliseconds.
	TimestampMs int64

	// Summary marks the synthetic message produced by compaction.
	Summary bool

	tokens int // cached estimate
}

// Tokens returns the cached approximate token count for the message.
func (m *Message) Tokens() int {
	if m == nil {
		return 0
	}
	if m.tokens == 0 && len(m.Content) > 0 {
		m.tokens = (len(m.Content) + CharsPerToken - 1) / CharsPerToken
	}
	return m.tokens
}

// TotalTokens estimates the token count across all messages.
func TotalTokens(messages []*Message) int {
	total := 0
	for _, m := range messages {
		total += m.Tokens()
	}
	return total
}

// OverBudget reports whether the conversation exceeds the usable window
// (context window minus reserve).
func OverBudget(messages []*Message, windowTokens, reserveTokens int) bool {
	if windowTokens <= 0 {
		return false
	}
	return TotalTokens(messages) > windowTokens-reserveTokens
}

// Summarizer delegates summary generation to the model-call capability.
type Summarizer interface {
	// Summarize produces a summary of the messages. Instructions, when
	// non-empty, steer the summarization (used for merge passes).
	Summarize(ctx context.Context, messages []*Message, instructions string) (string, error)
}

// SummarizerFunc adapts a function to a Summarizer.
type SummarizerFunc func(ctx context.Context, messages []*Message, instructions string) (string, error)

// Summarize calls the function.
func (f SummarizerFunc) Summarize(ctx context.Context, messages []*Message, instructions string) (string, error) {
	return f(ctx, messages, instructions)
}

// Engine compacts conversations with staged summarization.
type Engine struct {
	summarizer Summarizer
	parts      int
}

// Option configures the engine.
type Option func(*Engine)

// WithParts overrides the number of summarization sub-chunks.
func WithParts(parts int) Option {
	return func(e *Engine) {
		if parts > 0 {
			e.parts = parts
		}
	}
}

// NewEngine creates a compaction engine backed by the given summarizer.
func NewEngine(summarizer Summarizer, opts ...Option) *Engine {
	e := &Engine{
		summarizer: summarizer,
		parts:      DefaultParts,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ChunkRatio computes the adaptive recent-window ratio. The base ratio
// shrinks toward MinChunkRatio once the padded average message size exceeds
// AvgShareThreshold of the context window, proportionally to the overshoot.
func ChunkRatio(messages []*Message, windowTokens int) float64 {
	if len(messages) == 0 || windowTokens <= 0 {
		return BaseChunkRatio
	}
	avg := float64(TotalTokens(messages)) / float64(len(messages))
	share := avg * SafetyMargin / float64(windowTokens)
	if share <= AvgShareThreshold {
		return BaseChunkRatio
	}
	ratio := BaseChunkRatio * (AvgShareThreshold / share)
	if ratio < MinChunkRatio {
		return MinChunkRatio
	}
	return ratio
}

// splitRecent walks backward from the end, accumulating messages into the
// recent window until the next one would exceed the window budget. The most
// recent message is always kept even if it alone exceeds the budget.
func splitRecent(messages []*Message, windowTokens int, ratio float64) (old, recent []*Message) {
	if len(messages) == 0 {
		return nil, nil
	}
	budget := int(float64(windowTokens) * ratio)
	cut := len(messages) - 1
	used := messages[cut].Tokens()
	for cut > 0 {
		next := messages[cut-1].Tokens()
		if used+next > budget {
			break
		}
		used += next
		cut--
	}
	return messages[:cut], messages[cut:]
}

// Compact returns the conversation reduced to a summary message followed by
// the untouched recent window. A conversation already under budget is
// returned unchanged, which makes the operation idempotent.
func (e *Engine) Compact(ctx context.Context, messages []*Message, windowTokens, reserveTokens int) ([]*Message, error) {
	if !OverBudget(messages, windowTokens, reserveTokens) {
		return messages, nil
	}

	ratio := ChunkRatio(messages, windowTokens)
	old, recent := splitRecent(messages, windowTokens, ratio)
	if len(old) == 0 {
		// Nothing summarizable; the recent window is the whole history.
		return messages, nil
	}

	summary, err := e.summarizeStaged(ctx, old)
	if err != nil {
		return nil, fmt.Errorf("summarize history: %w", err)
	}

	summaryMsg := &Message{
		Role:        "system",
		Content:     "Conversation summary (older messages were compacted):\n" + summary,
		TimestampMs: old[len(old)-1].TimestampMs,
		Summary:     true,
	}

	out := make([]*Message, 0, len(recent)+1)
	out = append(out, summaryMsg)
	out = append(out, recent...)
	return out, nil
}

// summarizeStaged splits the old segment into sub-chunks by token share,
// summarizes each, and recursively merges the partial summaries.
func (e *Engine) summarizeStaged(ctx context.Context, old []*Message) (string, error) {
	if len(old) == 0 {
		return summaryFallback, nil
	}
	if e.summarizer == nil {
		return "", fmt.Errorf("summarizer not configured")
	}

	chunks := splitByTokenShare(old, e.parts)
	if len(chunks) == 1 {
		return e.summarizer.Summarize(ctx, chunks[0], "")
	}

	partials := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		summary, err := e.summarizer.Summarize(ctx, chunk, "")
		if err != nil {
			return "", fmt.Errorf("summarize chunk %d: %w", i, err)
		}
		partials = append(partials, summary)
	}
	return e.mergeSummaries(ctx, partials, 0)
}

// mergeSummaries reduces partial summaries to one. Base case is a single
// element; larger lists merge in halves, so depth stays logarithmic.
func (e *Engine) mergeSummaries(ctx context.Context, parts []string, depth int) (string, error) {
	if len(parts) == 0 {
		return summaryFallback, nil
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	if depth > maxMergeDepth {
		return "", fmt.Errorf("summary merge exceeded depth %d", maxMergeDepth)
	}

	if len(parts) > mergeFanIn {
		mid := len(parts) / 2
		left, err := e.mergeSummaries(ctx, parts[:mid], depth+1)
		if err != nil {
			return "", err
		}
		right, err := e.mergeSummaries(ctx, parts[mid:], depth+1)
		if err != nil {
			return "", err
		}
		parts = []string{left, right}
	}

	synthetic := make([]*Message, len(parts))
	for i, p := range parts {
		synthetic[i] = &Message{
			Role:    "system",
			Content: fmt.Sprintf("Partial summary %d:\n%s", i+1, p),
		}
	}
	const mergeInstructions = "Merge these partial summaries into one cohesive summary. " +
		"Preserve decisions, open questions, and constraints. Maintain chronological flow."
	return e.summarizer.Summarize(ctx, synthetic, mergeInstructions)
}

// splitByTokenShare splits messages into parts of roughly equal token count.
func splitByTokenShare(messages []*Message, parts int) [][]*Message {
	if len(messages) == 0 {
		return nil
	}
	if parts <= 1 || len(messages) < parts {
		return [][]*Message{messages}
	}

	target := TotalTokens(messages) / parts
	result := make([][]*Message, 0, parts)
	var current []*Message
	currentTokens := 0

	for i, msg := range messages {
		current = append(current, msg)
		currentTokens += msg.Tokens()

		remaining := parts - len(result) - 1
		if i < len(messages)-1 && remaining > 0 && currentTokens >= target {
			result = append(result, current)
			current = nil
			currentTokens = 0
		}
	}
	if len(current) > 0 {
		result = append(result, current)
	}
	return result
}

// FormatForSummary renders messages as plain text for a summarization
// prompt.
func FormatForSummary(messages []*Message) string {
	var sb strings.Builder
	for _, m := range messages {
		if m == nil {
			continue
		}
		sb.WriteString("[")
		sb.WriteString(m.Role)
		sb.WriteString("]: ")
		sb.WriteString(m.Content)
		sb.WriteString("\n\n")
	}
	return sb.String()
}
