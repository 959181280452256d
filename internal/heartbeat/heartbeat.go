// Package heartbeat runs periodic unsolicited agent turns. Each tick
// checks a chain of skip conditions (disabled, outside active hours,
// turn already in flight, nothing actionable in the heartbeat file),
// issues a turn with the heartbeat prompt, strips the no-op token from
// the reply, suppresses near-duplicate deliveries inside a 24-hour
// window, and hands anything left to the delivery layer.
package heartbeat

import (
	"regexp"
	"strings"
	"time"
)

const (
	// Token is the marker the model emits when nothing needs attention.
	Token = "HEARTBEAT_OK"
	// DefaultInterval is how often heartbeat turns run.
	DefaultInterval = 30 * time.Minute
	// DefaultPrompt is sent as the turn input when no prompt is configured.
	DefaultPrompt = "Read HEARTBEAT.md if it exists (workspace context). Follow it strictly. Do not infer or repeat old tasks from prior chats. If nothing needs attention, reply HEARTBEAT_OK."
	// DefaultMaxAckChars is the longest leftover text still treated as a
	// bare acknowledgment after the token is stripped.
	DefaultMaxAckChars = 300
)

// Status classifies the outcome of one heartbeat tick.
type Status string

const (
	// StatusSent means the reply was delivered to the user channel.
	StatusSent Status = "sent"
	// StatusOKToken means the reply was the no-op token and nothing was delivered.
	StatusOKToken Status = "ok-token"
	// StatusOKEmpty means there was nothing to do: the heartbeat content was
	// empty or comment-only, or the reply stripped down to nothing.
	StatusOKEmpty Status = "ok-empty"
	// StatusSkippedDisabled means heartbeats are turned off.
	StatusSkippedDisabled Status = "skipped-disabled"
	// StatusSkippedInactive means the tick fell outside active hours.
	StatusSkippedInactive Status = "skipped-inactive"
	// StatusSkippedInFlight means the target session already had a turn running.
	StatusSkippedInFlight Status = "skipped-in-flight"
	// StatusSkippedDuplicate means the reply matched a delivery from the
	// previous 24 hours.
	StatusSkippedDuplicate Status = "skipped-duplicate"
	// StatusSkippedAborted means the tick was cancelled mid-run.
	StatusSkippedAborted Status = "skipped-aborted"
	// StatusError means the turn or the delivery failed.
	StatusError Status = "error"
)

// Config controls the heartbeat runner.
type Config struct {
	// Enabled turns heartbeat ticks on.
	Enabled bool `yaml:"enabled"`

	// Interval is the time between ticks. Zero means DefaultInterval.
	Interval time.Duration `yaml:"interval"`

	// Prompt overrides DefaultPrompt as the turn input.
	Prompt string `yaml:"prompt"`

	// MaxAckChars caps how much leftover text still counts as an ack.
	MaxAckChars int `yaml:"max_ack_chars"`

	// Target selects the session the heartbeat runs against:
	// "main" (default) or "last" for the most recently updated session.
	Target string `yaml:"target"`

	// ActiveHours restricts when ticks run. Nil means always active.
	ActiveHours *ActiveHours `yaml:"active_hours"`

	// UserTimezone backs the "user" timezone alias in ActiveHours.
	UserTimezone string `yaml:"user_timezone"`

	// ContentPath is the HEARTBEAT.md-style file checked before each tick.
	ContentPath string `yaml:"content_path"`

	// DeliveryTarget is the transport address replies are delivered to.
	DeliveryTarget string `yaml:"delivery_target"`
}

// DefaultConfig returns a disabled config with default timing.
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		Interval:    DefaultInterval,
		Prompt:      DefaultPrompt,
		MaxAckChars: DefaultMaxAckChars,
		Target:      "main",
	}
}

// ResolvePrompt returns the configured prompt, or the default when blank.
func ResolvePrompt(custom string) string {
	trimmed := strings.TrimSpace(custom)
	if trimmed == "" {
		return DefaultPrompt
	}
	return trimmed
}

// StripResult is the outcome of removing the no-op token from a reply.
type StripResult struct {
	// ShouldSkip means the reply was an acknowledgment and nothing
	// should be delivered.
	ShouldSkip bool
	// Text is what remains after stripping.
	Text string
	// DidStrip reports whether the token was actually found and removed.
	DidStrip bool
}

var (
	htmlTagPattern    = regexp.MustCompile(`<[^>]*>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// stripMarkup flattens HTML tags and markdown wrappers so the token is
// detectable even when the model decorates it.
func stripMarkup(text string) string {
	text = htmlTagPattern.ReplaceAllString(text, " ")
	text = strings.ReplaceAll(text, "&nbsp;", " ")
	text = strings.Trim(text, "*`~_")
	return text
}

// stripTokenAtEdges peels the token off the start and end of the text,
// repeatedly, and collapses the remaining whitespace.
func stripTokenAtEdges(raw string) (string, bool) {
	text := strings.TrimSpace(raw)
	if text == "" || !strings.Contains(text, Token) {
		return text, false
	}

	didStrip := false
	for {
		text = strings.TrimSpace(text)
		if strings.HasPrefix(text, Token) {
			text = strings.TrimSpace(text[len(Token):])
			didStrip = true
			continue
		}
		if strings.HasSuffix(text, Token) {
			text = strings.TrimSpace(text[:len(text)-len(Token)])
			didStrip = true
			continue
		}
		break
	}

	text = strings.TrimSpace(whitespacePattern.ReplaceAllString(text, " "))
	return text, didStrip
}

// StripToken removes the heartbeat token from a model reply and decides
// whether anything is left worth delivering. Replies that reduce to the
// token plus at most maxAckChars of residue count as acknowledgments.
func StripToken(raw string, maxAckChars int) StripResult {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return StripResult{ShouldSkip: true}
	}
	if maxAckChars <= 0 {
		maxAckChars = DefaultMaxAckChars
	}

	normalized := stripMarkup(trimmed)
	if !strings.Contains(trimmed, Token) && !strings.Contains(normalized, Token) {
		return StripResult{Text: trimmed}
	}

	text, didStrip := stripTokenAtEdges(trimmed)
	if !didStrip || text == "" {
		normText, didStripNorm := stripTokenAtEdges(normalized)
		if didStripNorm {
			text, didStrip = normText, true
		}
	}
	if !didStrip {
		// Token is embedded mid-sentence; treat the reply as real content.
		return StripResult{Text: trimmed}
	}
	if text == "" || len(text) <= maxAckChars {
		return StripResult{ShouldSkip: true, DidStrip: true}
	}
	return StripResult{Text: text, DidStrip: true}
}
