// Package subagent spawns isolated child agent runs. A child gets its own
// session with a restricted tool policy, runs a single bounded task, and
// its outcome is announced back to the parent session as a new turn input
// so the parent model can phrase the result naturally.
package subagent

import (
	"errors"
	"time"
)

// Status tracks a child run through its lifecycle:
// spawned → running → (completed | timed-out | errored) → announced →
// (deleted | kept).
type Status string

const (
	StatusSpawned   Status = "spawned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusTimedOut  Status = "timed-out"
	StatusErrored   Status = "errored"
	StatusAnnounced Status = "announced"
	StatusDeleted   Status = "deleted"
	StatusKept      Status = "kept"
)

// Terminal reports whether the lifecycle has fully finished, including
// announcement and cleanup.
func (s Status) Terminal() bool {
	return s == StatusDeleted || s == StatusKept
}

// CleanupPolicy decides what happens to the child session after announce.
type CleanupPolicy string

const (
	// CleanupDelete removes the child session and its history.
	CleanupDelete CleanupPolicy = "delete"
	// CleanupKeep leaves the child session addressable by key.
	CleanupKeep CleanupPolicy = "keep"
)

var (
	// ErrTimeout marks a child run that exceeded its deadline.
	ErrTimeout = errors.New("subagent timed out")
	// ErrNotFound is returned for unknown subagent ids.
	ErrNotFound = errors.New("subagent not found")
	// ErrTooManyActive is returned when the concurrency cap is reached.
	ErrTooManyActive = errors.New("too many active subagents")
)

// Handle is the public view of one child run.
type Handle struct {
	ID              string        `json:"id"`
	ParentSessionID string        `json:"parent_session_id"`
	ChildSessionID  string        `json:"child_session_id"`
	ChildSessionKey string        `json:"child_session_key"`
	Label           string        `json:"label,omitempty"`
	Task            string        `json:"task"`
	Status          Status        `json:"status"`
	Cleanup         CleanupPolicy `json:"cleanup"`
	Timeout         time.Duration `json:"timeout"`
	StartedAt       time.Time     `json:"started_at"`
	CompletedAt     time.Time     `json:"completed_at,omitempty"`
	Result          string        `json:"result,omitempty"`
	Error           string        `json:"error,omitempty"`
	InputTokens     int           `json:"input_tokens,omitempty"`
	OutputTokens    int           `json:"output_tokens,omitempty"`
}

// Outcome is the child-run portion of the lifecycle, before announce.
func (h *Handle) Outcome() Status {
	switch h.Status {
	case StatusCompleted, StatusTimedOut, StatusErrored:
		return h.Status
	case StatusAnnounced, StatusDeleted, StatusKept:
		if h.Error == ErrTimeout.Error() {
			return StatusTimedOut
		}
		if h.Error != "" {
			return StatusErrored
		}
		return StatusCompleted
	default:
		return h.Status
	}
}
