// Package cron schedules autonomous jobs. A job carries one of three
// schedule kinds (one-shot, fixed interval, cron expression) and one of
// two payloads: a systemEvent that injects text into the agent's main
// session without a model call, or an agentTurn that runs a full turn in
// an isolated session. The pairing is enforced when the job is accepted.
package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/loom/internal/agent"
)

// SessionTarget selects which session a job acts on.
type SessionTarget string

const (
	// TargetMain is the agent's main conversation.
	TargetMain SessionTarget = "main"
	// TargetIsolated is a dedicated per-job session.
	TargetIsolated SessionTarget = "isolated"
)

// PayloadKind distinguishes what a job does when it fires.
type PayloadKind string

const (
	// PayloadSystemEvent injects text into the target session, no model call.
	PayloadSystemEvent PayloadKind = "systemEvent"
	// PayloadAgentTurn runs a full agent turn with its own timeout.
	PayloadAgentTurn PayloadKind = "agentTurn"
)

// Payload is what a job executes.
type Payload struct {
	Kind PayloadKind `json:"kind" yaml:"kind"`

	// Text is the injected event text for systemEvent payloads.
	Text string `json:"text,omitempty" yaml:"text,omitempty"`

	// Message is the turn input for agentTurn payloads.
	Message string `json:"message,omitempty" yaml:"message,omitempty"`

	// Timeout bounds an agentTurn run. Zero means DefaultTurnTimeout.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// DeliveryTarget, when set, routes the agentTurn reply to a channel.
	DeliveryTarget string `json:"delivery_target,omitempty" yaml:"delivery_target,omitempty"`
}

// RunStatus records how a job's last execution ended.
type RunStatus string

const (
	RunOK              RunStatus = "ok"
	RunError           RunStatus = "error"
	RunSkippedInFlight RunStatus = "skipped-in-flight"
	RunSkippedAborted  RunStatus = "skipped-aborted"
)

// JobState is the mutable scheduling state persisted between ticks.
type JobState struct {
	NextRun      time.Time     `json:"next_run,omitempty"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastStatus   RunStatus     `json:"last_status,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	LastDuration time.Duration `json:"last_duration,omitempty"`
}

// Job is one scheduled task.
type Job struct {
	ID             string        `json:"id"`
	Name           string        `json:"name,omitempty"`
	Schedule       Schedule      `json:"schedule"`
	Target         SessionTarget `json:"target"`
	Payload        Payload       `json:"payload"`
	Enabled        bool          `json:"enabled"`
	DeleteAfterRun bool          `json:"delete_after_run,omitempty"`
	State          JobState      `json:"state"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	copied := *j
	return &copied
}

// ValidationError reports a job definition rejected at add/update time.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid job: %s", e.Reason)
	}
	return fmt.Sprintf("invalid job %s: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err is a job validation failure.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TurnRunner executes agentTurn payloads. *agent.Orchestrator satisfies it.
type TurnRunner interface {
	RunTurn(ctx context.Context, req *agent.TurnRequest) (*agent.TurnResult, error)
}

// Validate checks a job definition, enforcing the target/payload pairing:
// main sessions only accept systemEvent payloads, isolated sessions only
// accept agentTurn payloads.
func (j *Job) Validate() error {
	if j == nil {
		return &ValidationError{Reason: "job is nil"}
	}
	if j.ID == "" {
		return &ValidationError{Field: "id", Reason: "required"}
	}
	if err := j.Schedule.Validate(); err != nil {
		return &ValidationError{Field: "schedule", Reason: err.Error()}
	}

	switch j.Target {
	case TargetMain:
		if j.Payload.Kind != PayloadSystemEvent {
			return &ValidationError{
				Field:  "payload",
				Reason: fmt.Sprintf("target %q requires a systemEvent payload, got %q", j.Target, j.Payload.Kind),
			}
		}
	case TargetIsolated:
		if j.Payload.Kind != PayloadAgentTurn {
			return &ValidationError{
				Field:  "payload",
				Reason: fmt.Sprintf("target %q requires an agentTurn payload, got %q", j.Target, j.Payload.Kind),
			}
		}
	default:
		return &ValidationError{Field: "target", Reason: fmt.Sprintf("unknown session target %q", j.Target)}
	}

	switch j.Payload.Kind {
	case PayloadSystemEvent:
		if j.Payload.Text == "" {
			return &ValidationError{Field: "payload.text", Reason: "required for systemEvent"}
		}
	case PayloadAgentTurn:
		if j.Payload.Message == "" {
			return &ValidationError{Field: "payload.message", Reason: "required for agentTurn"}
		}
	default:
		return &ValidationError{Field: "payload.kind", Reason: fmt.Sprintf("unknown payload kind %q", j.Payload.Kind)}
	}
	return nil
}
