package subagent

import (
	"fmt"
	"strings"
	"time"
)

// NoReplyToken is what the parent model answers when the announcement
// needs no user-facing message.
const NoReplyToken = "NO_REPLY"

// FormatDurationShort renders a duration as 2h3m / 4m10s / 12s.
func FormatDurationShort(d time.Duration) string {
	if d <= 0 {
		return "n/a"
	}
	total := int(d.Seconds())
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	if hours > 0 {
		return fmt.Sprintf("%dh%dm", hours, minutes)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// FormatTokenCount renders token counts with k/m suffixes.
func FormatTokenCount(count int) string {
	switch {
	case count <= 0:
		return "0"
	case count >= 1_000_000:
		return fmt.Sprintf("%.1fm", float64(count)/1_000_000)
	case count >= 1_000:
		return fmt.Sprintf("%.1fk", float64(count)/1_000)
	default:
		return fmt.Sprintf("%d", count)
	}
}

// BuildStatsLine renders the condensed run stats appended to announcements.
func BuildStatsLine(h *Handle) string {
	parts := []string{
		fmt.Sprintf("runtime %s", FormatDurationShort(h.CompletedAt.Sub(h.StartedAt))),
	}
	total := h.InputTokens + h.OutputTokens
	if total > 0 {
		parts = append(parts, fmt.Sprintf("tokens %s (in %s / out %s)",
			FormatTokenCount(total), FormatTokenCount(h.InputTokens), FormatTokenCount(h.OutputTokens)))
	} else {
		parts = append(parts, "tokens n/a")
	}
	parts = append(parts, fmt.Sprintf("sessionKey %s", h.ChildSessionKey))
	return "Stats: " + strings.Join(parts, " • ")
}

// BuildSystemPrompt builds the child's system prompt: do the task, do not
// act as the main agent, do not message users, do not spawn children.
func BuildSystemPrompt(task, label, childSessionKey string) string {
	var b strings.Builder
	b.WriteString("# Subagent Context\n\n")
	b.WriteString("You are a subagent spawned by the main agent for a specific task.\n\n")
	b.WriteString("## Your Role\n")
	fmt.Fprintf(&b, "- You were created to handle: %s\n", task)
	b.WriteString("- Complete this task. That is your entire purpose.\n")
	b.WriteString("- You are NOT the main agent. Do not try to be.\n\n")
	b.WriteString("## Rules\n")
	b.WriteString("1. Stay focused: do your assigned task, nothing else\n")
	b.WriteString("2. Complete the task: your final message is reported to the main agent\n")
	b.WriteString("3. Do not initiate: no heartbeats, no proactive actions, no side quests\n")
	b.WriteString("4. Be ephemeral: you may be terminated after task completion\n\n")
	b.WriteString("## What You DON'T Do\n")
	b.WriteString("- NO user conversations (that is the main agent's job)\n")
	b.WriteString("- NO messaging users or external services unless explicitly tasked\n")
	b.WriteString("- NO scheduling work or keeping persistent state\n")
	b.WriteString("- NO spawning further subagents\n\n")
	b.WriteString("## Session Context\n")
	if label != "" {
		fmt.Fprintf(&b, "- Label: %s\n", label)
	}
	fmt.Fprintf(&b, "- Your session: %s\n", childSessionKey)
	return b.String()
}

// BuildAnnouncement builds the message injected into the parent session as
// a new turn input.
func BuildAnnouncement(h *Handle) string {
	label := h.Label
	if label == "" {
		label = h.Task
	}
	if label == "" {
		label = "background task"
	}

	statusLabel := "finished with unknown status"
	switch h.Outcome() {
	case StatusCompleted:
		statusLabel = "completed successfully"
	case StatusTimedOut:
		statusLabel = "timed out"
	case StatusErrored:
		if h.Error != "" {
			statusLabel = fmt.Sprintf("failed: %s", h.Error)
		} else {
			statusLabel = "failed: unknown error"
		}
	}

	findings := h.Result
	if findings == "" {
		findings = "(no output)"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "A background task %q just %s.\n\n", label, statusLabel)
	b.WriteString("Findings:\n")
	b.WriteString(findings)
	b.WriteString("\n\n")
	b.WriteString(BuildStatsLine(h))
	b.WriteString("\n\n")
	b.WriteString("Summarize this naturally for the user. Keep it brief (1-2 sentences).\n")
	b.WriteString("Do not mention technical details like tokens, stats, or that this was a background task.\n")
	fmt.Fprintf(&b, "You can respond with %s if no announcement is needed.\n", NoReplyToken)
	return b.String()
}
