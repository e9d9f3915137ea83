package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a namespaced error code for relay errors.
type ErrorCode string

// Request validation and lookup error codes
const (
	VALIDATION_ERROR ErrorCode = "VALIDATION_ERROR"
	NOT_FOUND        ErrorCode = "NOT_FOUND"
)

// Coordination error codes. OWNERSHIP_ERROR and INVALID_STATE mean the
// caller's view of the conversation is stale and must be resynchronized.
// HANDOFF_FAILED is terminal for the attempt and requires operator action.
const (
	OWNERSHIP_ERROR ErrorCode = "OWNERSHIP_ERROR"
	INVALID_STATE   ErrorCode = "INVALID_STATE"
	HANDOFF_FAILED  ErrorCode = "HANDOFF_FAILED"
)

// Infrastructure error codes
const (
	UNAVAILABLE    ErrorCode = "UNAVAILABLE"
	INTERNAL_ERROR ErrorCode = "INTERNAL_ERROR"
)

// Configuration error codes
const (
	CONFIG_LOAD_FAILED       ErrorCode = "CONFIG_LOAD_FAILED"
	CONFIG_VALIDATION_FAILED ErrorCode = "CONFIG_VALIDATION_FAILED"
)

// Database error codes
const (
	DB_OPEN_FAILED      ErrorCode = "DB_OPEN_FAILED"
	DB_MIGRATION_FAILED ErrorCode = "DB_MIGRATION_FAILED"
	DB_QUERY_FAILED     ErrorCode = "DB_QUERY_FAILED"
)

// RelayError represents a structured error with error code, message, and
// optional cause. It supports error wrapping and retryability hints for
// retry policies.
type RelayError struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	Cause     error
}

// Error implements the error interface.
// Format: "[CODE] message" or "[CODE] message: cause" if cause exists.
func (e *RelayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is / errors.As chains.
func (e *RelayError) Unwrap() error {
	return e.Cause
}

// Is matches the target by error code, so a probe error built with the same
// code matches any instance regardless of message.
func (e *RelayError) Is(target error) bool {
	var relayErr *RelayError
	if errors.As(target, &relayErr) {
		return e.Code == relayErr.Code
	}
	return false
}

// NewError creates a non-retryable RelayError with the given code and message.
func NewError(code ErrorCode, message string) *RelayError {
	return &RelayError{
		Code:    code,
		Message: message,
	}
}

// NewRetryableError creates a retryable RelayError. Use for transient
// failures that may succeed on retry (store timeouts, delivery hiccups).
func NewRetryableError(code ErrorCode, message string) *RelayError {
	return &RelayError{
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// WrapError creates a non-retryable RelayError wrapping an existing error.
func WrapError(code ErrorCode, message string, cause error) *RelayError {
	return &RelayError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WrapRetryableError creates a retryable RelayError wrapping an existing
// error.
func WrapRetryableError(code ErrorCode, message string, cause error) *RelayError {
	return &RelayError{
		Code:      code,
		Message:   message,
		Retryable: true,
		Cause:     cause,
	}
}

// IsRetryable reports whether err (or anything in its chain) is a
// RelayError marked retryable.
func IsRetryable(err error) bool {
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Retryable
	}
	return false
}

// CodeOf extracts the ErrorCode from err's chain, or INTERNAL_ERROR when
// err is not a RelayError.
func CodeOf(err error) ErrorCode {
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Code
	}
	return INTERNAL_ERROR
}
