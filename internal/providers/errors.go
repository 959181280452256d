package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// FailReason categorizes why a provider request failed. The orchestrator
// uses it to decide between credential rotation, compaction, and giving up.
type FailReason string

const (
	// FailAuth indicates authentication failure (HTTP 401, 403)
	FailAuth FailReason = "auth"

	// FailBilling indicates payment/quota issues (HTTP 402)
	FailBilling FailReason = "billing"

	// FailRateLimit indicates rate limiting (HTTP 429)
	FailRateLimit FailReason = "rate_limit"

	// FailContextOverflow indicates the prompt exceeded the model's context window
	FailContextOverflow FailReason = "context_overflow"

	// FailTimeout indicates request timeout
	FailTimeout FailReason = "timeout"

	// FailServerError indicates server-side issues (HTTP 5xx)
	FailServerError FailReason = "server_error"

	// FailInvalidRequest indicates client-side issues (HTTP 400)
	FailInvalidRequest FailReason = "invalid_request"

	// FailModelUnavailable indicates the model is not available
	FailModelUnavailable FailReason = "model_unavailable"

	// FailUnknown indicates an unclassified error
	FailUnknown FailReason = "unknown"
)

// IsRetryable returns true if retrying the same credential may succeed.
func (r FailReason) IsRetryable() bool {
	switch r {
	case FailTimeout, FailServerError:
		return true
	default:
		return false
	}
}

// ShouldRotate returns true if the error warrants trying a different credential.
func (r FailReason) ShouldRotate() bool {
	switch r {
	case FailAuth, FailBilling, FailRateLimit:
		return true
	default:
		return false
	}
}

// Error represents a structured error from an LLM provider.
// It captures context needed for rotation decisions and debugging.
type Error struct {
	// Reason categorizes the error for rotation/retry logic
	Reason FailReason

	// Provider is the name of the provider (e.g., "anthropic", "openai")
	Provider string

	// Model is the model that was requested
	Model string

	// Status is the HTTP status code, if applicable
	Status int

	// Code is the provider-specific error code
	Code string

	// Message is the human-readable error message
	Message string

	// RequestID is the provider's request ID for debugging
	RequestID string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s]", e.Reason))

	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}

	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}

	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new provider Error with the given parameters.
func NewError(provider, model string, cause error) *Error {
	err := &Error{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   FailUnknown,
	}

	if cause != nil {
		err.Message = cause.Error()
		err.Reason = ClassifyError(cause)
	}

	return err
}

// WithStatus adds HTTP status to the error and reclassifies if needed.
// An overflow classification is never downgraded: providers report it
// with status 400, which would otherwise classify as invalid_request.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	if e.Reason != FailContextOverflow {
		e.Reason = classifyStatusCode(status)
	}
	return e
}

// WithCode adds a provider-specific error code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	if reason := classifyErrorCode(code); reason != FailUnknown {
		e.Reason = reason
	}
	return e
}

// WithRequestID adds the provider's request ID.
func (e *Error) WithRequestID(id string) *Error {
	e.RequestID = id
	return e
}

// WithMessage sets the error message and reclassifies overflow errors,
// which some providers only signal through the message text.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	if isOverflowMessage(msg) {
		e.Reason = FailContextOverflow
	}
	return e
}

// ClassifyError inspects an error and returns the appropriate FailReason.
func ClassifyError(err error) FailReason {
	if err == nil {
		return FailUnknown
	}

	errStr := strings.ToLower(err.Error())

	// Overflow first: these messages often also contain "invalid" or "400".
	if isOverflowMessage(errStr) {
		return FailContextOverflow
	}

	// Check for timeout patterns
	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "context deadline") {
		return FailTimeout
	}

	// Check for rate limit patterns
	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "rate_limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") {
		return FailRateLimit
	}

	// Check for authentication patterns
	if strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "invalid api key") ||
		strings.Contains(errStr, "invalid_api_key") ||
		strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "403") {
		return FailAuth
	}

	// Check for billing patterns
	if strings.Contains(errStr, "billing") ||
		strings.Contains(errStr, "payment") ||
		strings.Contains(errStr, "quota") ||
		strings.Contains(errStr, "insufficient") ||
		strings.Contains(errStr, "402") {
		return FailBilling
	}

	// Check for model availability patterns
	if strings.Contains(errStr, "model not found") ||
		strings.Contains(errStr, "model_not_found") ||
		strings.Contains(errStr, "does not exist") ||
		strings.Contains(errStr, "unavailable") {
		return FailModelUnavailable
	}

	// Check for server error patterns
	if strings.Contains(errStr, "internal server") ||
		strings.Contains(errStr, "server error") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") {
		return FailServerError
	}

	// Check for invalid request patterns
	if strings.Contains(errStr, "invalid") ||
		strings.Contains(errStr, "bad request") ||
		strings.Contains(errStr, "400") {
		return FailInvalidRequest
	}

	return FailUnknown
}

// isOverflowMessage matches the message shapes providers use for
// context-window exhaustion.
func isOverflowMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "context_length_exceeded") ||
		strings.Contains(msg, "context length") ||
		strings.Contains(msg, "maximum context") ||
		strings.Contains(msg, "prompt is too long") ||
		strings.Contains(msg, "input is too long") ||
		strings.Contains(msg, "exceed context limit") ||
		strings.Contains(msg, "too many tokens")
}

// classifyStatusCode returns a FailReason based on HTTP status code.
func classifyStatusCode(status int) FailReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return FailAuth
	case status == http.StatusPaymentRequired:
		return FailBilling
	case status == http.StatusTooManyRequests:
		return FailRateLimit
	case status == http.StatusBadRequest:
		return FailInvalidRequest
	case status == http.StatusNotFound:
		return FailModelUnavailable
	case status >= 500:
		return FailServerError
	default:
		return FailUnknown
	}
}

// classifyErrorCode returns a FailReason based on provider-specific error codes.
func classifyErrorCode(code string) FailReason {
	code = strings.ToLower(code)

	switch code {
	case "rate_limit_error", "rate_limit_exceeded":
		return FailRateLimit
	case "authentication_error", "invalid_api_key", "permission_error":
		return FailAuth
	case "billing_error", "insufficient_quota":
		return FailBilling
	case "context_length_exceeded":
		return FailContextOverflow
	case "model_not_found", "model_not_available", "not_found_error":
		return FailModelUnavailable
	case "server_error", "internal_error", "overloaded_error", "api_error":
		return FailServerError
	case "invalid_request_error":
		return FailInvalidRequest
	default:
		return FailUnknown
	}
}

// IsProviderError checks if an error is a provider Error.
func IsProviderError(err error) bool {
	var providerErr *Error
	return errors.As(err, &providerErr)
}

// GetError extracts a provider Error from an error chain.
func GetError(err error) (*Error, bool) {
	var providerErr *Error
	if errors.As(err, &providerErr) {
		return providerErr, true
	}
	return nil, false
}

// IsRetryable checks if an error should be retried on the same credential.
func IsRetryable(err error) bool {
	if providerErr, ok := GetError(err); ok {
		return providerErr.Reason.IsRetryable()
	}
	return ClassifyError(err).IsRetryable()
}

// ShouldRotate checks if an error warrants trying a different credential.
func ShouldRotate(err error) bool {
	if providerErr, ok := GetError(err); ok {
		return providerErr.Reason.ShouldRotate()
	}
	return ClassifyError(err).ShouldRotate()
}

// IsContextOverflow checks if an error is a context window overflow.
func IsContextOverflow(err error) bool {
	if providerErr, ok := GetError(err); ok {
		return providerErr.Reason == FailContextOverflow
	}
	return ClassifyError(err) == FailContextOverflow
}
