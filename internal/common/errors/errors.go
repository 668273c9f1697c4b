// Package errors provides the relay's error taxonomy and its wire mapping.
package errors

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrorCode is a wire-visible error code.
type ErrorCode string

// Codes surfaced to requesters and providers.
const (
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeTimeout          ErrorCode = "TIMEOUT"
	ErrCodeProviderError    ErrorCode = "PROVIDER_ERROR"
	ErrCodeNoProviders      ErrorCode = "NO_PROVIDERS"
	ErrCodeUnauthorized     ErrorCode = "UNAUTHORIZED"
	ErrCodeRequestNotFound  ErrorCode = "REQUEST_NOT_FOUND"
	ErrCodeInternal         ErrorCode = "INTERNAL_ERROR"
)

// Envelope level codes. These never enter the ledger.
const (
	ErrCodeInvalidEnvelope ErrorCode = "INVALID_ENVELOPE"
	ErrCodeInvalidSchema   ErrorCode = "INVALID_SCHEMA"
	ErrCodeDuplicateID     ErrorCode = "DUPLICATE_REQUEST_ID"
	ErrCodeRateLimited     ErrorCode = "RATE_LIMITED"
	ErrCodeForbidden       ErrorCode = "FORBIDDEN"
	ErrCodeLedgerFailure   ErrorCode = "LEDGER_UNAVAILABLE"
)

// StandardError represents a structured relay error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	cause     error
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause, if any.
func (e *StandardError) Unwrap() error {
	return e.cause
}

// WithMetadata returns e with key set in its metadata.
func (e *StandardError) WithMetadata(key string, value interface{}) *StandardError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

func newError(code ErrorCode, message, details string, retryable bool) *StandardError {
	return &StandardError{
		Code:      code,
		Message:   message,
		Details:   details,
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
	}
}

// NewValidationFailedError reports output that failed the requester's schema.
func NewValidationFailedError(details string) *StandardError {
	return newError(ErrCodeValidationFailed, "Response failed schema validation", details, false)
}

// NewTimeoutError reports a request that expired before it was answered.
func NewTimeoutError(requestID string) *StandardError {
	return newError(ErrCodeTimeout, "Request timed out", fmt.Sprintf("requestId: %s", requestID), false)
}

// NewProviderError reports a provider that answered with an error.
func NewProviderError(details string) *StandardError {
	return newError(ErrCodeProviderError, "Provider reported an error", details, false)
}

// NewNoProvidersError reports that no eligible provider is available.
func NewNoProvidersError(details string) *StandardError {
	return newError(ErrCodeNoProviders, "No eligible provider is available", details, true)
}

// NewUnauthorizedError rejects a missing or unknown bearer token.
func NewUnauthorizedError(details string) *StandardError {
	return newError(ErrCodeUnauthorized, "Authentication failed", details, false)
}

// NewForbiddenError rejects an authenticated agent acting outside its roles.
func NewForbiddenError(details string) *StandardError {
	return newError(ErrCodeForbidden, "Operation not permitted for this agent", details, false)
}

// NewRequestNotFoundError covers unknown, already answered and expired ids.
func NewRequestNotFoundError(requestID string) *StandardError {
	return newError(ErrCodeRequestNotFound, "Request not found or already answered", fmt.Sprintf("requestId: %s", requestID), false)
}

// NewInternalError wraps an unexpected failure.
func NewInternalError(err error) *StandardError {
	e := newError(ErrCodeInternal, "Internal relay error", errString(err), false)
	e.cause = err
	return e
}

// NewInvalidEnvelopeError rejects a malformed submission.
func NewInvalidEnvelopeError(details string) *StandardError {
	return newError(ErrCodeInvalidEnvelope, "Malformed envelope", details, false)
}

// NewInvalidSchemaError rejects a request whose response schema cannot be used.
func NewInvalidSchemaError(err error) *StandardError {
	e := newError(ErrCodeInvalidSchema, "Invalid response schema", errString(err), false)
	e.cause = err
	return e
}

// NewDuplicateIDError rejects a caller supplied request id already in use.
func NewDuplicateIDError(requestID string) *StandardError {
	return newError(ErrCodeDuplicateID, "Request id already in use", fmt.Sprintf("requestId: %s", requestID), false)
}

// NewRateLimitedError rejects an agent over its request budget.
func NewRateLimitedError(agentID string) *StandardError {
	return newError(ErrCodeRateLimited, "Rate limit exceeded", fmt.Sprintf("agentId: %s", agentID), true)
}

// NewLedgerFailureError reports a storage backend failure.
func NewLedgerFailureError(err error) *StandardError {
	e := newError(ErrCodeLedgerFailure, "Ledger backend unavailable", errString(err), true)
	e.cause = err
	return e
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// HTTPStatus maps an error code to the status used by the HTTP transport.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeInvalidEnvelope, ErrCodeInvalidSchema, ErrCodeValidationFailed:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeRequestNotFound:
		return http.StatusNotFound
	case ErrCodeDuplicateID:
		return http.StatusConflict
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeLedgerFailure, ErrCodeNoProviders:
		return http.StatusServiceUnavailable
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// IsTerminalCode reports whether code is one a requester can read back as
// the final outcome of a request.
func IsTerminalCode(code ErrorCode) bool {
	switch code {
	case ErrCodeValidationFailed, ErrCodeTimeout, ErrCodeProviderError,
		ErrCodeNoProviders, ErrCodeInternal:
		return true
	default:
		return false
	}
}

// GetErrorCategory groups codes for logs and metrics labels.
func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case code == ErrCodeUnauthorized || code == ErrCodeForbidden:
		return "AUTH"
	case strings.Contains(codeStr, "ENVELOPE") || strings.Contains(codeStr, "SCHEMA") || code == ErrCodeDuplicateID:
		return "PROTOCOL"
	case code == ErrCodeValidationFailed:
		return "VALIDATION"
	case code == ErrCodeTimeout:
		return "TEMPORAL"
	case code == ErrCodeNoProviders || code == ErrCodeRateLimited:
		return "AVAILABILITY"
	case code == ErrCodeProviderError:
		return "PROVIDER"
	default:
		return "OTHER"
	}
}
