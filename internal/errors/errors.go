package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCategory classifies a failure so runners and tooling can react differently to each kind
type ErrorCategory string

const (
	// Session-fatal categories
	ErrorCategoryFatal         ErrorCategory = "FATAL"
	ErrorCategoryConfiguration ErrorCategory = "CONFIG"
	ErrorCategoryKillSwitch    ErrorCategory = "KILL_SWITCH"
	ErrorCategoryInvariant     ErrorCategory = "INVARIANT"

	// Locally recoverable at order-batch granularity
	ErrorCategorySafety   ErrorCategory = "SAFETY"
	ErrorCategoryRisk     ErrorCategory = "RISK"
	ErrorCategoryExecutor ErrorCategory = "EXECUTOR"
	ErrorCategoryTimeout  ErrorCategory = "TIMEOUT"
)

// Process exit codes, one per top-level status
const (
	ExitOK            = 0
	ExitFailure       = 1
	ExitConfiguration = 2
	ExitRiskDenied    = 3
	ExitKillSwitch    = 4
	ExitInvariant     = 5
	ExitSafetyBlocked = 6
)

// Categorized is implemented by any error that knows its own category
type Categorized interface {
	Category() ErrorCategory
}

// GateError is a categorized error with the component and operation that raised it
type GateError struct {
	Kind       ErrorCategory
	Component  string
	Operation  string
	Message    string
	Underlying error
	Context    map[string]string
}

// Error implements the error interface
func (e *GateError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s:%s] %s", e.Kind, e.Component, e.Operation)
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Underlying != nil {
		fmt.Fprintf(&b, ": %v", e.Underlying)
	}
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+e.Context[k])
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(parts, ", "))
	}
	return b.String()
}

// Unwrap returns the underlying error for error unwrapping
func (e *GateError) Unwrap() error {
	return e.Underlying
}

// Category implements Categorized
func (e *GateError) Category() ErrorCategory {
	return e.Kind
}

// IsFatal returns whether this error must end the session
func (e *GateError) IsFatal() bool {
	return IsSessionFatal(e.Kind)
}

// WithContext adds context information to the error
func (e *GateError) WithContext(key, value string) *GateError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// New creates a new categorized error
func New(category ErrorCategory, component, operation, message string) *GateError {
	return &GateError{
		Kind:      category,
		Component: component,
		Operation: operation,
		Message:   message,
	}
}

// Wrap wraps an existing error with category context
func Wrap(err error, category ErrorCategory, component, operation string) *GateError {
	if err == nil {
		return nil
	}
	return &GateError{
		Kind:       category,
		Component:  component,
		Operation:  operation,
		Underlying: err,
	}
}

// NewConfigurationError reports an ambiguous or missing configuration value
func NewConfigurationError(component, operation, message string) *GateError {
	return New(ErrorCategoryConfiguration, component, operation, message)
}

// NewFatalError reports an unrecoverable condition
func NewFatalError(component, operation, message string) *GateError {
	return New(ErrorCategoryFatal, component, operation, message)
}

// IsSessionFatal reports whether a category halts the whole session rather than one batch
func IsSessionFatal(category ErrorCategory) bool {
	switch category {
	case ErrorCategoryFatal, ErrorCategoryConfiguration, ErrorCategoryKillSwitch, ErrorCategoryInvariant:
		return true
	default:
		return false
	}
}

// CategoryOf returns the category of the first categorized error in the chain
func CategoryOf(err error) (ErrorCategory, bool) {
	if err == nil {
		return "", false
	}
	var c Categorized
	if stderrors.As(err, &c) {
		return c.Category(), true
	}
	return "", false
}

// ExitCode maps an error to the process exit code for its category
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	category, ok := CategoryOf(err)
	if !ok {
		return ExitFailure
	}
	switch category {
	case ErrorCategoryConfiguration:
		return ExitConfiguration
	case ErrorCategoryRisk:
		return ExitRiskDenied
	case ErrorCategoryKillSwitch:
		return ExitKillSwitch
	case ErrorCategoryInvariant:
		return ExitInvariant
	case ErrorCategorySafety:
		return ExitSafetyBlocked
	default:
		return ExitFailure
	}
}
