package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network failures, timeouts, 5xx responses.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting by the remote service.
	// Retried with backoff, honoring any announced retry-after delay.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates the remote state conflicts with the request.
	// Recorded without retry.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: validation rejection, permission denied, resource not found.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassConfiguration indicates a missing credential or a malformed
	// desired-state document. Fatal for the affected service only.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassEncryption indicates a missing or invalid decryption key, or
	// data that cannot be decrypted with it. Fatal for the affected service only.
	ErrorClassEncryption ErrorClass = "encryption"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Service is the service the error belongs to, if known.
	Service string `json:"service,omitempty"`

	// Resource is the identifier of the entity that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// RetryAfter is the delay announced by the remote service, if any.
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Service != "" {
		msg = e.Service + ": " + msg
	}
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{
		Class:   class,
		Message: message,
		Err:     err,
	}
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, message, err)
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return newError(ErrorClassThrottled, message, err)
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, message, err)
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, message, err)
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(message string, err error) *EngineError {
	return newError(ErrorClassConfiguration, message, err)
}

// NewEncryptionError creates a new encryption error.
func NewEncryptionError(message string, err error) *EngineError {
	return newError(ErrorClassEncryption, message, err)
}

// WithService adds service context to an error.
func (e *EngineError) WithService(service string) *EngineError {
	e.Service = service
	return e
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithRetryAfter records the delay announced by the remote service.
func (e *EngineError) WithRetryAfter(d time.Duration) *EngineError {
	e.RetryAfter = d
	return e
}

// ClassOf returns the class of err. Unclassified errors are permanent,
// except context deadlines and network errors, which are transient.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorClassTransient
	}
	return ErrorClassPermanent
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return ClassOf(err) == ErrorClassTransient
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	return ClassOf(err) == ErrorClassThrottled
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return ClassOf(err) == ErrorClassConflict
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	return ClassOf(err) == ErrorClassPermanent
}

// IsRetryable returns true if the error can be retried.
// Only transient and throttled errors are retryable; conflicts are final.
func IsRetryable(err error) bool {
	switch ClassOf(err) {
	case ErrorClassTransient, ErrorClassThrottled:
		return true
	default:
		return false
	}
}

// RetryAfterOf returns the retry-after delay carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var e *EngineError
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeAlreadyExists     = "ALREADY_EXISTS"
	ErrCodePermissionDenied  = "PERMISSION_DENIED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInternal          = "INTERNAL_ERROR"
	ErrCodeMissingCredential = "MISSING_CREDENTIAL"
	ErrCodeIncompleteListing = "INCOMPLETE_LISTING"
	ErrCodePolicyDenied      = "POLICY_DENIED"
	ErrCodeCancelled         = "CANCELLED"
)
