package agent

import (
	"errors"
	"fmt"
)

// Common sentinel errors for turn execution
var (
	// ErrAuthExhausted indicates every credential profile failed or is cooling down
	ErrAuthExhausted = errors.New("all credential profiles exhausted")

	// ErrContextOverflow indicates the prompt still overflowed after a compaction retry
	ErrContextOverflow = errors.New("context overflow persisted after compaction")

	// ErrMaxIterations indicates the tool loop exceeded its iteration limit
	ErrMaxIterations = errors.New("max iterations exceeded")

	// ErrNoProvider indicates no LLM provider is configured for the request
	ErrNoProvider = errors.New("no provider configured")
)

// PolicyViolationError is returned when the model invokes a tool outside
// the allowed set for the turn.
type PolicyViolationError struct {
	// Tool is the name the model asked for
	Tool string

	// Profile is the policy profile in effect
	Profile string
}

// Error implements the error interface.
func (e *PolicyViolationError) Error() string {
	if e.Profile != "" {
		return fmt.Sprintf("tool %q is not permitted under profile %q", e.Tool, e.Profile)
	}
	return fmt.Sprintf("tool %q is not permitted", e.Tool)
}

// IsPolicyViolation checks if an error is or wraps a PolicyViolationError.
func IsPolicyViolation(err error) bool {
	var polErr *PolicyViolationError
	return errors.As(err, &polErr)
}
