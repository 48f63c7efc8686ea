// Package errors provides centralized error definitions and error handling utilities
// for the scheduler. It defines domain-specific errors, semantic error types,
// error constructors with context wrapping, and error classification helpers.
//
// # Error Types
//
// Domain-specific errors represent errors from specific subsystems:
//   - QueueError: errors raised by the admission queue
//   - ExecutionError: errors raised while running a request
//   - ScalingError: errors raised while evaluating or applying a scaling decision
//
// Semantic errors represent the scheduler's error taxonomy:
//   - CapacityError: the queue is full (CapacityExceeded)
//   - NotFoundError: unknown request or target id (NotFound)
//   - ValidationError: configuration fails sanity checks (InvalidConfig)
//   - TimeoutError: an execution exceeded its deadline (Timeout)
//   - ProviderError: the job runner failed (ProviderFailure)
//   - CanceledError: explicit cancellation (Cancelled)
//
// # Usage
//
//	err := errors.NewCapacityError(100)
//	if errors.Is(err, errors.ErrQueueFull) { ... }
//
//	var timeout *errors.TimeoutError
//	if errors.As(err, &timeout) { ... }
//
//	if errors.IsRetryable(err) { ... }
//
// # Error Classification
//
// Only Timeout and ProviderFailure are retryable. CapacityExceeded, InvalidConfig
// and NotFound are surfaced synchronously and never retried.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Queue-related sentinel errors
var (
	// ErrQueueFull indicates that the admission queue is at capacity.
	ErrQueueFull = New("queue is full")
	// ErrRequestNotFound indicates that a request id is unknown.
	ErrRequestNotFound = New("request not found")
	// ErrDuplicateRequest indicates that a request id is already queued or executing.
	ErrDuplicateRequest = New("duplicate request id")
	// ErrQueueStopped indicates that the queue no longer accepts work.
	ErrQueueStopped = New("queue stopped")
)

// Execution-related sentinel errors
var (
	// ErrAlreadyExecuting indicates that a request already has a live execution context.
	ErrAlreadyExecuting = New("request already executing")
	// ErrProviderFailure indicates that the underlying job runner failed.
	ErrProviderFailure = New("provider failure")
)

// Resource and scaling sentinel errors
var (
	// ErrTargetNotFound indicates that a target id is unknown.
	ErrTargetNotFound = New("target not found")
	// ErrNoMetrics indicates that no metrics sample exists for a target.
	ErrNoMetrics = New("no metrics available")
	// ErrInvalidConfig indicates that a configuration failed validation.
	ErrInvalidConfig = New("invalid configuration")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// SchedulerError is the base interface for all scheduler errors.
type SchedulerError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the failed request should be requeued.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Message returns the message without context or cause.
func (e *baseError) Message() string {
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// contextPrefix renders "<kind> [k=v, ...]" for domain errors.
func contextPrefix(kind string, parts []string) string {
	if len(parts) == 0 {
		return kind
	}
	return fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// QueueError represents errors raised by the admission queue.
//
// Example:
//
//	err := errors.NewQueueError("enqueue rejected", errors.ErrQueueFull).WithRequestID("req-1")
//	fmt.Println(err) // "queue error [request=req-1]: enqueue rejected: queue is full"
type QueueError struct {
	baseError
	RequestID string
}

// NewQueueError creates a new QueueError.
func NewQueueError(message string, cause error) *QueueError {
	return &QueueError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			userFacing: true,
		},
	}
}

// WithRequestID adds a request ID to the error context.
func (e *QueueError) WithRequestID(id string) *QueueError {
	e.RequestID = id
	return e
}

// Error returns the formatted error message.
func (e *QueueError) Error() string {
	var parts []string
	if e.RequestID != "" {
		parts = append(parts, fmt.Sprintf("request=%s", e.RequestID))
	}
	prefix := contextPrefix("queue error", parts)
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *QueueError) Is(target error) bool {
	if _, ok := target.(*QueueError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ExecutionError represents errors raised while running a request.
// Its retryability follows the cause.
type ExecutionError struct {
	baseError
	RequestID string
	TargetID  string
	Attempt   int
}

// NewExecutionError creates a new ExecutionError.
func NewExecutionError(message string, cause error) *ExecutionError {
	return &ExecutionError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  IsRetryable(cause),
			userFacing: true,
		},
		Attempt: -1,
	}
}

// WithRequestID adds a request ID to the error context.
func (e *ExecutionError) WithRequestID(id string) *ExecutionError {
	e.RequestID = id
	return e
}

// WithTargetID adds a target ID to the error context.
func (e *ExecutionError) WithTargetID(id string) *ExecutionError {
	e.TargetID = id
	return e
}

// WithAttempt adds the attempt number to the error context.
func (e *ExecutionError) WithAttempt(n int) *ExecutionError {
	e.Attempt = n
	return e
}

// Error returns the formatted error message.
func (e *ExecutionError) Error() string {
	var parts []string
	if e.RequestID != "" {
		parts = append(parts, fmt.Sprintf("request=%s", e.RequestID))
	}
	if e.TargetID != "" {
		parts = append(parts, fmt.Sprintf("target=%s", e.TargetID))
	}
	if e.Attempt >= 0 {
		parts = append(parts, fmt.Sprintf("attempt=%d", e.Attempt))
	}
	prefix := contextPrefix("execution error", parts)
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ExecutionError) Is(target error) bool {
	if _, ok := target.(*ExecutionError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ScalingError represents errors raised while evaluating or applying a
// scaling decision for one target.
type ScalingError struct {
	baseError
	TargetID  string
	Direction string
}

// NewScalingError creates a new ScalingError.
func NewScalingError(message string, cause error) *ScalingError {
	return &ScalingError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityWarning,
		},
	}
}

// WithTargetID adds a target ID to the error context.
func (e *ScalingError) WithTargetID(id string) *ScalingError {
	e.TargetID = id
	return e
}

// WithDirection adds the attempted scaling direction to the error context.
func (e *ScalingError) WithDirection(d string) *ScalingError {
	e.Direction = d
	return e
}

// Error returns the formatted error message.
func (e *ScalingError) Error() string {
	var parts []string
	if e.TargetID != "" {
		parts = append(parts, fmt.Sprintf("target=%s", e.TargetID))
	}
	if e.Direction != "" {
		parts = append(parts, fmt.Sprintf("direction=%s", e.Direction))
	}
	prefix := contextPrefix("scaling error", parts)
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ScalingError) Is(target error) bool {
	if _, ok := target.(*ScalingError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// CapacityError is returned when an enqueue would exceed the queue's maximum size.
//
// Example:
//
//	err := errors.NewCapacityError(100)
//	fmt.Println(err) // "queue capacity exceeded (max: 100)"
type CapacityError struct {
	baseError
	MaxSize int
}

// NewCapacityError creates a new CapacityError.
func NewCapacityError(maxSize int) *CapacityError {
	return &CapacityError{
		baseError: baseError{
			message:    "queue capacity exceeded",
			cause:      ErrQueueFull,
			severity:   SeverityWarning,
			userFacing: true,
		},
		MaxSize: maxSize,
	}
}

// Error returns the formatted error message.
func (e *CapacityError) Error() string {
	return fmt.Sprintf("queue capacity exceeded (max: %d)", e.MaxSize)
}

// Is checks if this error matches the target.
func (e *CapacityError) Is(target error) bool {
	if _, ok := target.(*CapacityError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("target", "llama-70b")
//	fmt.Println(err) // "target 'llama-70b' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:   SeverityWarning,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents a configuration or input that fails sanity checks.
// It always matches ErrInvalidConfig.
//
// Example:
//
//	err := errors.NewValidationError("minInstances must not exceed maxInstances").
//	    WithField("min_instances").WithValue(5)
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	prefix := contextPrefix("validation error", parts)
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if target == ErrInvalidConfig {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an execution that exceeded its deadline.
//
// Example:
//
//	err := errors.NewTimeoutError("execute req-1", 30*time.Second)
//	fmt.Println(err) // "timeout error: execute req-1 (timeout: 30s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if target == ErrTimeout {
		return true
	}
	return e.baseError.Is(target)
}

// ProviderError wraps a failure returned by the job runner. It is retryable.
type ProviderError struct {
	baseError
	Provider string
}

// NewProviderError creates a new ProviderError wrapping cause.
func NewProviderError(provider string, cause error) *ProviderError {
	return &ProviderError{
		baseError: baseError{
			message:   "job runner failed",
			cause:     cause,
			severity:  SeverityError,
			retryable: true,
		},
		Provider: provider,
	}
}

// Error returns the formatted error message.
func (e *ProviderError) Error() string {
	prefix := "provider error"
	if e.Provider != "" {
		prefix = fmt.Sprintf("provider error [provider=%s]", e.Provider)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ProviderError) Is(target error) bool {
	if _, ok := target.(*ProviderError); ok {
		return true
	}
	if target == ErrProviderFailure {
		return true
	}
	return e.baseError.Is(target)
}

// CanceledError represents an explicit cancellation of a request.
type CanceledError struct {
	baseError
	RequestID string
}

// NewCanceledError creates a new CanceledError.
func NewCanceledError(requestID string) *CanceledError {
	return &CanceledError{
		baseError: baseError{
			message:    "request canceled",
			severity:   SeverityInfo,
			userFacing: true,
		},
		RequestID: requestID,
	}
}

// Error returns the formatted error message.
func (e *CanceledError) Error() string {
	return fmt.Sprintf("request '%s' canceled", e.RequestID)
}

// Is checks if this error matches the target.
func (e *CanceledError) Is(target error) bool {
	if _, ok := target.(*CanceledError); ok {
		return true
	}
	if target == ErrCanceled {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if a failed request should be requeued.
// Only Timeout and ProviderFailure are retryable; the outermost
// SchedulerError in the chain decides.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var schedErr SchedulerError
	if As(err, &schedErr) {
		return schedErr.IsRetryable()
	}
	return Is(err, ErrTimeout) || Is(err, ErrProviderFailure)
}

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	var schedErr SchedulerError
	if As(err, &schedErr) {
		return schedErr.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement SchedulerError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}
	var schedErr SchedulerError
	if As(err, &schedErr) {
		return schedErr.Severity()
	}
	return SeverityError
}

// Kind returns the taxonomy name of err: "capacity_exceeded", "not_found",
// "invalid_config", "timeout", "provider_failure", "canceled" or "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case Is(err, ErrQueueFull):
		return "capacity_exceeded"
	case Is(err, ErrInvalidConfig):
		return "invalid_config"
	case Is(err, ErrTimeout):
		return "timeout"
	case Is(err, ErrCanceled):
		return "canceled"
	case Is(err, ErrProviderFailure):
		return "provider_failure"
	}
	var notFound *NotFoundError
	if As(err, &notFound) || Is(err, ErrRequestNotFound) || Is(err, ErrTargetNotFound) || Is(err, ErrNoMetrics) {
		return "not_found"
	}
	return "internal"
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
