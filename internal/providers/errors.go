package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorReason categorizes why a provider request failed. The set is
// closed; retry logic switches on it rather than inspecting error text.
type ErrorReason string

const (
	// ReasonAuth indicates authentication failure (HTTP 401, 403).
	ReasonAuth ErrorReason = "auth"

	// ReasonRateLimit indicates rate limiting (HTTP 429).
	ReasonRateLimit ErrorReason = "rate_limit"

	// ReasonInvalidRequest indicates client-side issues (HTTP 4xx).
	ReasonInvalidRequest ErrorReason = "invalid_request"

	// ReasonServerError indicates provider-side issues (HTTP 5xx).
	ReasonServerError ErrorReason = "server_error"

	// ReasonTimeout indicates a timed-out request.
	ReasonTimeout ErrorReason = "timeout"

	// ReasonCanceled indicates the caller canceled the request.
	ReasonCanceled ErrorReason = "canceled"

	// ReasonUnknown indicates an unclassified error.
	ReasonUnknown ErrorReason = "unknown"
)

// Retryable returns true if the reason suggests repeating the request
// may succeed.
func (r ErrorReason) Retryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

// ProviderError is a structured error from an LLM provider. It carries
// the context retry logic and logging need without forcing callers to
// parse error strings.
type ProviderError struct {
	// Reason categorizes the error.
	Reason ErrorReason

	// Provider is the provider name ("anthropic", "openai").
	Provider string

	// Model is the model that was requested.
	Model string

	// Status is the HTTP status code, if one was received.
	Status int

	// Code is the provider-specific error code from the response body.
	Code string

	// Message is the human-readable error message.
	Message string

	// RequestID is the provider's request ID for support escalation.
	RequestID string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
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
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a ProviderError classified from its cause.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   ReasonUnknown,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = Classify(cause)
	}
	return err
}

// WithStatus adds the HTTP status and reclassifies from it.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if reason := classifyStatus(status); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithCode adds a provider error code and reclassifies when the code is
// a known one.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if reason := classifyCode(code); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithMessage sets the error message.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// WithRequestID adds the provider's request ID.
func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

// IsProviderError checks if an error is or wraps a ProviderError.
func IsProviderError(err error) bool {
	var perr *ProviderError
	return errors.As(err, &perr)
}

// GetProviderError extracts a ProviderError from an error chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}

// Classify maps an error to a reason using structural checks only:
// wrapped ProviderErrors keep their reason, context errors map to
// canceled/timeout, and net.Errors map to timeout when they report one.
// Error message text is never inspected.
func Classify(err error) ErrorReason {
	if err == nil {
		return ReasonUnknown
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Reason
	}
	if errors.Is(err, context.Canceled) {
		return ReasonCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}
	return ReasonUnknown
}

// Retryable reports whether a request that failed with err is worth
// repeating against the same provider.
func Retryable(err error) bool {
	return Classify(err).Retryable()
}

func classifyStatus(status int) ErrorReason {
	switch {
	case status == 401 || status == 403:
		return ReasonAuth
	case status == 408:
		return ReasonTimeout
	case status == 429:
		return ReasonRateLimit
	case status >= 400 && status < 500:
		return ReasonInvalidRequest
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

// classifyCode maps the error codes the Anthropic and OpenAI APIs
// declare in response bodies. Codes are wire-protocol enums, not
// message text.
func classifyCode(code string) ErrorReason {
	switch code {
	case "rate_limit_error", "rate_limit_exceeded":
		return ReasonRateLimit
	case "authentication_error", "permission_error", "invalid_api_key":
		return ReasonAuth
	case "invalid_request_error", "not_found_error":
		return ReasonInvalidRequest
	case "overloaded_error", "api_error", "server_error":
		return ReasonServerError
	case "timeout_error":
		return ReasonTimeout
	default:
		return ReasonUnknown
	}
}
