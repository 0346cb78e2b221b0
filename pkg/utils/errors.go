package utils

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCategory represents the category of an error
type ErrorCategory int

const (
	CategorySystem ErrorCategory = iota
	CategoryConfiguration
	CategoryExecution
	CategoryStale
	CategoryUser
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryConfiguration:
		return "configuration"
	case CategoryExecution:
		return "execution"
	case CategoryStale:
		return "stale"
	case CategoryUser:
		return "user"
	default:
		return "system"
	}
}

// Error codes surfaced to the editor.
const (
	CodeToolNotFound   = "TOOL_NOT_FOUND"
	CodeExitNonZero    = "EXIT_NONZERO"
	CodeStaleBuffer    = "STALE_BUFFER"
	CodeNotRelocatable = "NOT_RELOCATABLE"
	CodeCancelled      = "CANCELLED"
	CodeConfig         = "CFG_ERROR"
)

// ErrorContext provides additional context for errors
type ErrorContext struct {
	Component string
	Operation string
	Resource  string
}

// StructuredError represents a standardized error with rich context
type StructuredError struct {
	Code      string
	Message   string
	Category  ErrorCategory
	Context   *ErrorContext
	RootCause error
}

// Error implements the error interface
func (e *StructuredError) Error() string {
	if e.RootCause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.RootCause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for compatibility with errors.Is and errors.As
func (e *StructuredError) Unwrap() error {
	return e.RootCause
}

// NewStructuredError creates a new structured error
func NewStructuredError(code, message string, category ErrorCategory, rootCause error) *StructuredError {
	return &StructuredError{
		Code:      code,
		Message:   message,
		Category:  category,
		RootCause: rootCause,
	}
}

// NewToolNotFoundError reports a generation executable that could not be located.
func NewToolNotFoundError(executable string, rootCause error) *StructuredError {
	return NewStructuredError(
		CodeToolNotFound,
		fmt.Sprintf("generation command %q not found", executable),
		CategoryConfiguration,
		rootCause,
	).WithResource(executable)
}

// NewExecutionError creates an execution error
func NewExecutionError(component, operation string, rootCause error) *StructuredError {
	return NewStructuredError(
		CodeExitNonZero,
		fmt.Sprintf("Execution failed in %s during %s", component, operation),
		CategoryExecution,
		rootCause,
	).WithContext(&ErrorContext{Component: component, Operation: operation})
}

// NewStaleError reports a buffer or range that changed under a request.
func NewStaleError(resource, reason string) *StructuredError {
	return NewStructuredError(CodeStaleBuffer, reason, CategoryStale, nil).WithResource(resource)
}

// NewNotRelocatableError reports a trigger comment that vanished before dispatch.
func NewNotRelocatableError(resource, text string) *StructuredError {
	return NewStructuredError(
		CodeNotRelocatable,
		fmt.Sprintf("trigger comment no longer present: %s", strings.TrimSpace(text)),
		CategoryStale,
		nil,
	).WithResource(resource)
}

// NewConfigError creates a configuration-related error
func NewConfigError(key string, rootCause error) *StructuredError {
	return NewStructuredError(
		CodeConfig,
		fmt.Sprintf("Configuration error for %s", key),
		CategoryConfiguration,
		rootCause,
	).WithResource(key)
}

// WithContext adds context to the error
func (e *StructuredError) WithContext(ctx *ErrorContext) *StructuredError {
	e.Context = ctx
	return e
}

// WithResource adds resource context
func (e *StructuredError) WithResource(resource string) *StructuredError {
	if e.Context == nil {
		e.Context = &ErrorContext{}
	}
	e.Context.Resource = resource
	return e
}

// AsStructured unwraps err to a StructuredError when one is in the chain.
func AsStructured(err error) (*StructuredError, bool) {
	var se *StructuredError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// HasCode reports whether any StructuredError in the chain carries code.
func HasCode(err error, code string) bool {
	se, ok := AsStructured(err)
	return ok && se.Code == code
}

// IsStale checks if an error is an informational staleness report
func IsStale(err error) bool {
	se, ok := AsStructured(err)
	return ok && se.Category == CategoryStale
}

// FormatError formats an error for display
func FormatError(err error) string {
	structuredErr, ok := AsStructured(err)
	if !ok {
		return err.Error()
	}
	var parts []string
	parts = append(parts, fmt.Sprintf("Error [%s]: %s", structuredErr.Code, structuredErr.Message))
	if structuredErr.Context != nil {
		if structuredErr.Context.Component != "" {
			parts = append(parts, fmt.Sprintf("Component: %s", structuredErr.Context.Component))
		}
		if structuredErr.Context.Operation != "" {
			parts = append(parts, fmt.Sprintf("Operation: %s", structuredErr.Context.Operation))
		}
		if structuredErr.Context.Resource != "" {
			parts = append(parts, fmt.Sprintf("Resource: %s", structuredErr.Context.Resource))
		}
	}
	if structuredErr.RootCause != nil {
		parts = append(parts, fmt.Sprintf("Root Cause: %v", structuredErr.RootCause))
	}
	return strings.Join(parts, " | ")
}
