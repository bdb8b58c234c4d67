// Package errors provides structured error handling for the connector service.
// Every failure that crosses a component boundary is categorized by an ErrorType
// so the sync orchestrator can decide between retrying, backing off and failing
// the cycle without inspecting message text.
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeAuthentication represents bad or expired vendor credentials
	ErrorTypeAuthentication ErrorType = "authentication"
	// ErrorTypeTransientNetwork represents timeouts, transport failures and 5xx responses
	ErrorTypeTransientNetwork ErrorType = "transient_network"
	// ErrorTypePermanentRequest represents non-auth 4xx responses, not retried within a cycle
	ErrorTypePermanentRequest ErrorType = "permanent_request"
	// ErrorTypeMalformedPayload represents undecryptable or unparsable vendor payloads
	ErrorTypeMalformedPayload ErrorType = "malformed_payload"
	// ErrorTypeConfig represents missing or invalid operator configuration
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeFormat represents unparsable timestamps and scalar values
	ErrorTypeFormat ErrorType = "format"
	// ErrorTypeConflict represents a rejected concurrent operation
	ErrorTypeConflict ErrorType = "conflict"
	// ErrorTypeNotFound represents unknown connectors or resources
	ErrorTypeNotFound ErrorType = "not_found"
)

// Error represents a structured error with context
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new error with a formatted message
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	// If already our error type, preserve the stack
	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// Authentication creates an authentication error
func Authentication(message string, cause error) *Error {
	if cause == nil {
		return New(ErrorTypeAuthentication, message)
	}
	return Wrap(cause, ErrorTypeAuthentication, message)
}

// Transient creates a transient network error
func Transient(message string, cause error) *Error {
	if cause == nil {
		return New(ErrorTypeTransientNetwork, message)
	}
	return Wrap(cause, ErrorTypeTransientNetwork, message)
}

// Permanent creates a permanent request error
func Permanent(message string, cause error) *Error {
	if cause == nil {
		return New(ErrorTypePermanentRequest, message)
	}
	return Wrap(cause, ErrorTypePermanentRequest, message)
}

// Malformed creates a malformed payload error
func Malformed(message string, cause error) *Error {
	if cause == nil {
		return New(ErrorTypeMalformedPayload, message)
	}
	return Wrap(cause, ErrorTypeMalformedPayload, message)
}

// Config creates a configuration error
func Config(message string) *Error {
	return New(ErrorTypeConfig, message)
}

// IsRetryable returns true if the error is retryable.
// Only transient network failures are retried; authentication errors get their
// single refresh-and-retry from the token provider instead.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == ErrorTypeTransientNetwork
}

// IsType checks if the error, or any error it wraps, is of the given type
func IsType(err error, errType ErrorType) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Type == errType {
			return true
		}
		err = e.Cause
	}
	return false
}

// TypeOf returns the outermost ErrorType of err, or ErrorTypeInternal for foreign errors
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeInternal
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// captureStack captures the current call stack
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
