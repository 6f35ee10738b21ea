// Package errors provides flowkit's standardized error type: every tool
// reports failures as an *AppError tagged with one of the taxonomy's
// categories, so callers (and exit-code selection in cmd/) can dispatch
// on Category rather than parsing message text.
package errors

import (
	"fmt"
	"runtime"
	"time"
)

// AppError represents a standardized application error
type AppError struct {
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Component  string                 `json:"component"`
	Operation  string                 `json:"operation"`
	Cause      error                  `json:"cause,omitempty"`
	StackTrace string                 `json:"stack_trace,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Category   Category               `json:"category"`
}

// Category is one of flowkit's error taxonomy buckets (spec.md 7): each
// maps to a fixed process exit code in cmd/.
type Category string

const (
	CategoryConfiguration      Category = "configuration"
	CategoryInput              Category = "input"
	CategoryKeyDerivation      Category = "key_derivation"
	CategoryOverflowUnderflow  Category = "overflow_underflow"
	CategoryResourceExhaustion Category = "resource_exhaustion"
	CategoryWrite              Category = "write"
	CategorySignal             Category = "signal"
)

// Error codes, one family per category.
const (
	CodeConfigInvalid     = "CONFIG_INVALID"
	CodeConfigNotFound    = "CONFIG_NOT_FOUND"
	CodeConfigConflicting = "CONFIG_CONFLICTING_OPTIONS"

	CodeInputMalformed  = "INPUT_MALFORMED_RECORD"
	CodeInputTruncated  = "INPUT_TRUNCATED_STREAM"
	CodeInputUnreadable = "INPUT_UNREADABLE"

	CodeKeyFieldUnknown  = "KEY_FIELD_UNKNOWN"
	CodeKeyPluginFailed  = "KEY_PLUGIN_FAILED"
	CodeKeyWidthMismatch = "KEY_WIDTH_MISMATCH"

	CodeCounterOverflow  = "COUNTER_OVERFLOW"
	CodeCounterUnderflow = "COUNTER_UNDERFLOW"

	CodeResourceExhausted = "RESOURCE_EXHAUSTED"
	CodeResourceFDLimit   = "RESOURCE_FD_LIMIT"
	CodeResourceMemory    = "RESOURCE_MEMORY_EXHAUSTED"

	CodeWriteFailed  = "WRITE_FAILED"
	CodeWritePartial = "WRITE_PARTIAL"

	CodeSignalShutdown = "SIGNAL_SHUTDOWN_REQUESTED"
)

// New creates a new standardized error.
func New(category Category, code, component, operation, message string) *AppError {
	_, file, line, _ := runtime.Caller(1)

	return &AppError{
		Code:       code,
		Message:    message,
		Component:  component,
		Operation:  operation,
		StackTrace: fmt.Sprintf("%s:%d", file, line),
		Metadata:   make(map[string]interface{}),
		Timestamp:  time.Now(),
		Category:   category,
	}
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %s: %v", e.Component, e.Operation, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
}

// Unwrap lets errors.Is/errors.As see through to Cause.
func (e *AppError) Unwrap() error { return e.Cause }

// Wrap sets another error as the cause.
func (e *AppError) Wrap(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithMetadata attaches structured context to the error.
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// ExitCode maps the error's category to the process exit code rwsort,
// rwdedupe, rwbag, rwbagtool, and rwpollexec all share (spec.md 6).
func (e *AppError) ExitCode() int {
	switch e.Category {
	case CategoryConfiguration:
		return 2
	case CategoryInput:
		return 3
	case CategoryKeyDerivation:
		return 4
	case CategoryOverflowUnderflow:
		return 5
	case CategoryResourceExhaustion:
		return 6
	case CategoryWrite:
		return 7
	case CategorySignal:
		return 130
	default:
		return 1
	}
}

// ToMap converts the error to a map for structured logging.
func (e *AppError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code":      e.Code,
		"error_message":   e.Message,
		"error_component": e.Component,
		"error_operation": e.Operation,
		"error_category":  string(e.Category),
		"error_timestamp": e.Timestamp,
	}

	if e.StackTrace != "" {
		result["error_stack_trace"] = e.StackTrace
	}
	if e.Cause != nil {
		result["error_cause"] = e.Cause.Error()
	}
	for k, v := range e.Metadata {
		result[fmt.Sprintf("error_meta_%s", k)] = v
	}
	return result
}

// Convenience constructors, one per category.

func ConfigError(component, operation, message string) *AppError {
	return New(CategoryConfiguration, CodeConfigInvalid, component, operation, message)
}

func InputError(component, operation, message string) *AppError {
	return New(CategoryInput, CodeInputMalformed, component, operation, message)
}

func KeyDerivationError(component, operation, message string) *AppError {
	return New(CategoryKeyDerivation, CodeKeyFieldUnknown, component, operation, message)
}

func OverflowError(component, operation, message string) *AppError {
	return New(CategoryOverflowUnderflow, CodeCounterOverflow, component, operation, message)
}

func UnderflowError(component, operation, message string) *AppError {
	return New(CategoryOverflowUnderflow, CodeCounterUnderflow, component, operation, message)
}

func ResourceError(component, operation, message string) *AppError {
	return New(CategoryResourceExhaustion, CodeResourceExhausted, component, operation, message)
}

func WriteError(component, operation, message string) *AppError {
	return New(CategoryWrite, CodeWriteFailed, component, operation, message)
}

func SignalError(component, operation, message string) *AppError {
	return New(CategorySignal, CodeSignalShutdown, component, operation, message)
}

// IsAppError checks if an error is an AppError.
func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// AsAppError converts an error to AppError if possible.
func AsAppError(err error) (*AppError, bool) {
	appErr, ok := err.(*AppError)
	return appErr, ok
}

// WrapError wraps a standard error into an AppError, unless it already is one.
func WrapError(err error, category Category, component, operation, message string) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := AsAppError(err); ok {
		return appErr
	}
	return New(category, "WRAPPED_ERROR", component, operation, message).Wrap(err)
}
