// Package errors provides centralized error definitions and error handling utilities
// for the testflow engine. It defines the engine's failure taxonomy as sentinel
// errors, typed errors that carry task/device context, and classification helpers.
//
// # Error Types
//
// Domain-specific errors represent errors from specific subsystems:
//   - TaskError: a task attempt failed inside the orchestrator
//   - DeviceError: a device call failed or could not be made
//
// Semantic errors represent common error conditions:
//   - ValidationError: a malformed plan or configuration value
//   - TimeoutError: an operation exceeded its deadline
//
// # Usage
//
//	err := errors.NewDeviceError("psu-1", "set", errors.ErrDeviceExecutionFailed).
//		WithMessage("output disabled")
//
//	if errors.Is(err, errors.ErrDeviceExecutionFailed) { ... }
//	if errors.IsRetryable(err) { ... }
//	label := errors.Kind(err) // "device_execution_failed"
//
// # Error Classification
//
// Device failures and timeouts are retryable; cancellation and validation
// failures are not. [Kind] maps any error onto its taxonomy name, which is
// what metrics and the CLI report.
package errors

import (
	"context"
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

// Plan-related sentinel errors
var (
	// ErrPlanInvalid indicates a malformed plan (missing or duplicate ids, nil entries).
	ErrPlanInvalid = New("plan is invalid")
	// ErrPlanCancelled indicates the plan context was cancelled before or during a task.
	ErrPlanCancelled = New("plan cancelled")
	// ErrUnresolvedCycle indicates a task never became ready (cycle or unreachable precondition).
	ErrUnresolvedCycle = New("unresolved dependency chain")
)

// Dependency-related sentinel errors
var (
	// ErrDependencyMissing indicates a DependsOn id that is not part of the plan.
	ErrDependencyMissing = New("dependency not found")
	// ErrDependencyFailed indicates a required dependency finished unsuccessfully.
	ErrDependencyFailed = New("dependency failed")
)

// Device-related sentinel errors
var (
	// ErrDeviceBusy indicates the pool gate for a device could not be acquired in time.
	ErrDeviceBusy = New("device busy")
	// ErrDeviceTimeout indicates a device call exceeded the task deadline.
	ErrDeviceTimeout = New("device timeout")
	// ErrDeviceExecutionFailed indicates the device reported a non-success response.
	ErrDeviceExecutionFailed = New("device execution failed")
	// ErrUnknownDeviceType indicates no factory is registered for a device type.
	ErrUnknownDeviceType = New("unknown device type")
	// ErrPoolClosed indicates the device pool has been disposed.
	ErrPoolClosed = New("device pool closed")
)

// Engine sentinel errors
var (
	// ErrRetryExhausted wraps the last attempt error once all attempts are used.
	ErrRetryExhausted = New("retry attempts exhausted")
	// ErrCrcMismatch marks a frame dropped because its checksum did not match.
	ErrCrcMismatch = New("crc mismatch")
	// ErrSchedulerClosed indicates the real-time scheduler has been disposed.
	ErrSchedulerClosed = New("scheduler closed")
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// EngineError is the base interface for all testflow errors.
type EngineError interface {
	error
	Unwrap() error
	Is(target error) bool
	Severity() Severity
	IsRetryable() bool
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

// Message returns the message without type prefix or cause.
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

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// TaskError represents a failure of one task inside an orchestrated run.
//
// Example:
//
//	err := errors.NewTaskError("flash", errors.ErrRetryExhausted).WithAttempt(3)
//	fmt.Println(err) // "task error [task=flash, attempt=3]: retry attempts exhausted"
type TaskError struct {
	baseError
	TaskID  string
	Attempt int
}

// NewTaskError creates a new TaskError for the given task id.
func NewTaskError(taskID string, cause error) *TaskError {
	return &TaskError{
		baseError: baseError{
			message:    messageOf(cause),
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
		TaskID: taskID,
	}
}

// WithAttempt records which attempt produced the error.
func (e *TaskError) WithAttempt(n int) *TaskError {
	e.Attempt = n
	return e
}

// WithMessage overrides the human-readable message.
func (e *TaskError) WithMessage(msg string) *TaskError {
	e.message = msg
	return e
}

// Error returns the formatted error message.
func (e *TaskError) Error() string {
	var parts []string
	if e.TaskID != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.TaskID))
	}
	if e.Attempt > 0 {
		parts = append(parts, fmt.Sprintf("attempt=%d", e.Attempt))
	}

	prefix := "task error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("task error [%s]", strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *TaskError) Is(target error) bool {
	if _, ok := target.(*TaskError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// DeviceError represents a failed device call. Device failures are retryable
// by default because instruments frequently recover on a second try.
//
// Example:
//
//	err := errors.NewDeviceError("dmm-1", "measure", errors.ErrDeviceExecutionFailed).
//		WithMessage("overrange")
type DeviceError struct {
	baseError
	DeviceKey string
	Command   string
}

// NewDeviceError creates a new DeviceError.
func NewDeviceError(deviceKey, command string, cause error) *DeviceError {
	return &DeviceError{
		baseError: baseError{
			message:    messageOf(cause),
			cause:      cause,
			severity:   SeverityError,
			retryable:  true,
			userFacing: true,
		},
		DeviceKey: deviceKey,
		Command:   command,
	}
}

// WithMessage sets the device-reported message.
func (e *DeviceError) WithMessage(msg string) *DeviceError {
	e.message = msg
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *DeviceError) WithRetryable(r bool) *DeviceError {
	e.retryable = r
	return e
}

// Error returns the device's message. The orchestrator surfaces this text
// verbatim in task results, so no prefix is added.
func (e *DeviceError) Error() string {
	return e.message
}

// Detail returns the message prefixed with the device and command context.
func (e *DeviceError) Detail() string {
	return fmt.Sprintf("device error [device=%s, command=%s]: %s", e.DeviceKey, e.Command, e.message)
}

// Is checks if this error matches the target.
func (e *DeviceError) Is(target error) bool {
	if _, ok := target.(*DeviceError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("duplicate task id").WithField("tasks[3].id").WithValue("flash")
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
			retryable:  false,
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

	prefix := "validation error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("validation error [%s]", strings.Join(parts, ", "))
	}

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
	if errors.Is(target, ErrInvalidInput) || errors.Is(target, ErrPlanInvalid) {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
//
// Example:
//
//	err := errors.NewTimeoutError("psu-1 set", 500*time.Millisecond)
//	fmt.Println(err) // "timeout error: psu-1 set (timeout: 500ms)"
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
	if errors.Is(target, ErrTimeout) || errors.Is(target, ErrDeviceTimeout) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsCancellation reports whether err stems from context cancellation or an
// explicit plan cancellation. Deadline expiry is not a cancellation: it is a
// device timeout and stays retryable.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	return Is(err, context.Canceled) || Is(err, ErrPlanCancelled)
}

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry. Cancellations are never retryable.
func IsRetryable(err error) bool {
	if err == nil || IsCancellation(err) {
		return false
	}

	var engineErr EngineError
	if As(err, &engineErr) {
		return engineErr.IsRetryable()
	}

	if Is(err, ErrTimeout) || Is(err, context.DeadlineExceeded) {
		return true
	}

	return false
}

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var engineErr EngineError
	if As(err, &engineErr) {
		return engineErr.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement EngineError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var engineErr EngineError
	if As(err, &engineErr) {
		return engineErr.Severity()
	}
	return SeverityError
}

// kinds is checked in order; more specific sentinels come first.
var kinds = []struct {
	err  error
	name string
}{
	{ErrPlanCancelled, "plan_cancelled"},
	{ErrUnresolvedCycle, "unresolved_cycle"},
	{ErrDependencyMissing, "dependency_missing"},
	{ErrDependencyFailed, "dependency_failed"},
	{ErrDeviceBusy, "device_busy"},
	{ErrDeviceTimeout, "device_timeout"},
	{ErrUnknownDeviceType, "unknown_device_type"},
	{ErrPoolClosed, "pool_closed"},
	{ErrSchedulerClosed, "scheduler_closed"},
	{ErrCrcMismatch, "crc_mismatch"},
	{ErrRetryExhausted, "retry_exhausted"},
	{ErrDeviceExecutionFailed, "device_execution_failed"},
	{ErrPlanInvalid, "plan_validation_error"},
}

// Kind returns the taxonomy name of err, suitable for metric labels.
// Unknown errors map to "error"; nil maps to "".
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if Is(err, k.err) {
			return k.name
		}
	}
	switch {
	case Is(err, context.Canceled):
		return "plan_cancelled"
	case Is(err, context.DeadlineExceeded):
		return "device_timeout"
	}
	var validation *ValidationError
	if As(err, &validation) {
		return "plan_validation_error"
	}
	return "error"
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

func messageOf(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
