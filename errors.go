package main

import (
	"fmt"
	"strings"
)

// ErrorCode categorizes launch compilation and setup failures. Every error is
// terminal for the pipeline: there is no local recovery or retry, and the
// process exits non-zero once the top-level handler sees one.
type ErrorCode string

const (
	// ErrParse means a directive had malformed local syntax.
	ErrParse ErrorCode = "parse_error"
	// ErrUnknownIdentity means a user or group name could not be resolved.
	ErrUnknownIdentity ErrorCode = "unknown_identity"
	// ErrConstraint means an illegal combination of directives.
	ErrConstraint ErrorCode = "constraint_violation"
	// ErrNotExecutable means the target is missing, inaccessible, or has
	// an invalid binary header.
	ErrNotExecutable ErrorCode = "not_executable"
	// ErrPreloadUnavailable means the preload shared object is not
	// loadable in the current process.
	ErrPreloadUnavailable ErrorCode = "preload_unavailable"
	// ErrApply means a jail-controller call failed while applying the
	// compiled configuration.
	ErrApply ErrorCode = "apply_failure"
)

// LaunchError is a structured error with the offending directive and any
// contextual values attached.
type LaunchError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Cause     error                  `json:"-"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Component string                 `json:"component,omitempty"`
}

// Error implements the error interface.
func (e *LaunchError) Error() string {
	var parts []string

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Component))
	}

	parts = append(parts, fmt.Sprintf("%s: %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		var contextParts []string
		for k, v := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("(%s)", strings.Join(contextParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("caused by: %v", e.Cause))
	}

	return strings.Join(parts, " ")
}

// Unwrap provides compatibility with errors.Is and errors.As.
func (e *LaunchError) Unwrap() error {
	return e.Cause
}

// NewLaunchError creates a new structured launch error.
func NewLaunchError(code ErrorCode, message string) *LaunchError {
	return &LaunchError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewLaunchErrorWithCause creates a new launch error wrapping a cause.
func NewLaunchErrorWithCause(code ErrorCode, message string, cause error) *LaunchError {
	return &LaunchError{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// WithContext attaches a contextual value to the error.
func (e *LaunchError) WithContext(key string, value interface{}) *LaunchError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithComponent names the pipeline stage that produced the error.
func (e *LaunchError) WithComponent(component string) *LaunchError {
	e.Component = component
	return e
}

// parseError builds a parse_error for the given flag.
func parseError(flag, reason string) *LaunchError {
	return NewLaunchError(ErrParse, reason).
		WithContext("flag", flag).
		WithComponent("parser")
}

// constraintError builds a constraint_violation for the given rule.
func constraintError(rule string) *LaunchError {
	return NewLaunchError(ErrConstraint, rule).
		WithComponent("validator")
}

// CodeOf extracts the ErrorCode from err, or "" when err carries none.
func CodeOf(err error) ErrorCode {
	for err != nil {
		if le, ok := err.(*LaunchError); ok {
			return le.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
