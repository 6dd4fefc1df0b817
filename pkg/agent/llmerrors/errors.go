// Package llmerrors classifies provider failures into transient and permanent errors.
package llmerrors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
)

// ErrorType represents the category of a provider failure.
type ErrorType int8

const (
	// Transient error types.

	// ErrorTypeRateLimit represents 429 and quota responses.
	ErrorTypeRateLimit ErrorType = iota
	// ErrorTypeTimeout represents request deadlines and 408 responses.
	ErrorTypeTimeout
	// ErrorTypeConnection represents refused, reset or truncated connections.
	ErrorTypeConnection
	// ErrorTypeServer represents 5xx and overload responses.
	ErrorTypeServer

	// Permanent error types.

	// ErrorTypeAuth represents 401/403 and bad API keys.
	ErrorTypeAuth
	// ErrorTypeBadRequest represents malformed or rejected requests (400-class other than 429).
	ErrorTypeBadRequest
	// ErrorTypeUnknown represents unclassified failures.
	ErrorTypeUnknown
)

// String returns the string representation of the error type.
func (et ErrorType) String() string {
	switch et {
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeTimeout:
		return "timeout"
	case ErrorTypeConnection:
		return "connection"
	case ErrorTypeServer:
		return "server"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeBadRequest:
		return "bad_request"
	case ErrorTypeUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Class is the retry decision for an error.
type Class int8

const (
	Permanent Class = iota
	Transient
)

func (c Class) String() string {
	if c == Transient {
		return "transient"
	}
	return "permanent"
}

// Transient reports whether the type is retried.
func (et ErrorType) Transient() bool {
	switch et {
	case ErrorTypeRateLimit, ErrorTypeTimeout, ErrorTypeConnection, ErrorTypeServer:
		return true
	default:
		return false
	}
}

// Error represents a classified provider error.
type Error struct {
	Err        error     // Wrapped underlying error
	Message    string    // Human-readable error message
	Type       ErrorType // Classified error type
	StatusCode int       // HTTP status code if applicable
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider error (%s): %s", e.Type.String(), e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("provider error (%s): %v", e.Type.String(), e.Err)
	}
	return fmt.Sprintf("provider error (%s): status %d", e.Type.String(), e.StatusCode)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable returns whether this error type should be retried.
func (e *Error) IsRetryable() bool {
	return e.Type.Transient()
}

// NewError creates a new classified error.
func NewError(errorType ErrorType, message string) *Error {
	return &Error{Type: errorType, Message: message}
}

// NewErrorWithStatus classifies by HTTP status.
func NewErrorWithStatus(statusCode int, cause error, message string) *Error {
	return &Error{
		Type:       FromStatus(statusCode),
		StatusCode: statusCode,
		Err:        cause,
		Message:    message,
	}
}

// NewErrorWithCause creates a new classified error wrapping another error.
func NewErrorWithCause(errorType ErrorType, cause error, message string) *Error {
	return &Error{Type: errorType, Err: cause, Message: message}
}

// Is checks if an error is of a specific type.
func Is(err error, errorType ErrorType) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == errorType
	}
	return false
}

// FromStatus maps an HTTP status to an error type.
func FromStatus(statusCode int) ErrorType {
	switch {
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return ErrorTypeAuth
	case statusCode == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case statusCode == http.StatusRequestTimeout, statusCode == http.StatusGatewayTimeout:
		return ErrorTypeTimeout
	case statusCode >= 500:
		return ErrorTypeServer
	case statusCode >= 400:
		return ErrorTypeBadRequest
	default:
		return ErrorTypeUnknown
	}
}

// TypeOf returns the error type of err. Unwrapped network and deadline
// failures are recognized; everything else is ErrorTypeUnknown.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return ErrorTypeTimeout
	case errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return ErrorTypeConnection
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorTypeTimeout
		}
		return ErrorTypeConnection
	}
	return ErrorTypeUnknown
}

// Classify is the retry decision for err. It depends only on the error's
// type, so the same kind of error always yields the same decision.
// Cancellation is never retried.
func Classify(err error) Class {
	if err == nil || errors.Is(err, context.Canceled) {
		return Permanent
	}
	if TypeOf(err).Transient() {
		return Transient
	}
	return Permanent
}

// IsTransient is shorthand for Classify(err) == Transient.
func IsTransient(err error) bool {
	return Classify(err) == Transient
}

// ClassifyMessage guesses a type from error text for SDKs that do not expose status codes.
func ClassifyMessage(msg string) ErrorType {
	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower, "401", "403", "unauthorized", "permission denied", "invalid api key", "api key not valid"):
		return ErrorTypeAuth
	case containsAny(lower, "429", "rate limit", "resource_exhausted", "quota"):
		return ErrorTypeRateLimit
	case containsAny(lower, "timeout", "deadline exceeded", "timed out"):
		return ErrorTypeTimeout
	case containsAny(lower, "connection refused", "connection reset", "eof", "no such host"):
		return ErrorTypeConnection
	case containsAny(lower, "500", "502", "503", "529", "internal", "unavailable", "overloaded"):
		return ErrorTypeServer
	case containsAny(lower, "400", "404", "422", "invalid_argument", "invalid request", "bad request"):
		return ErrorTypeBadRequest
	default:
		return ErrorTypeUnknown
	}
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
