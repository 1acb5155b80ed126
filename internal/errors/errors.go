// Package errors provides structured error types for workrun.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for workrun.
const (
	// Domain errors
	CodeInvalidStateTransition Code = "INVALID_STATE_TRANSITION"
	CodeDomainInvariant        Code = "DOMAIN_INVARIANT"
	CodeNotFound               Code = "NOT_FOUND"

	// Persistence errors
	CodeConcurrentModification Code = "CONCURRENT_MODIFICATION"

	// Agent errors
	CodeAgentRetryable    Code = "AGENT_RETRYABLE"
	CodeAgentNonRetryable Code = "AGENT_NON_RETRYABLE"
	CodeMaxRetries        Code = "MAX_RETRIES_EXCEEDED"

	// Resource errors
	CodeResourceFailure Code = "RESOURCE_FAILURE"

	// Config errors
	CodeConfigInvalid Code = "CONFIG_INVALID"
)

// Category groups error codes for HTTP status mapping.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryConflict
	CategoryInternal
	CategoryUnavailable
)

// codeCategories maps error codes to their categories.
var codeCategories = map[Code]Category{
	CodeInvalidStateTransition: CategoryConflict,
	CodeDomainInvariant:        CategoryBadRequest,
	CodeNotFound:               CategoryNotFound,
	CodeConcurrentModification: CategoryConflict,
	CodeAgentRetryable:         CategoryUnavailable,
	CodeAgentNonRetryable:      CategoryInternal,
	CodeMaxRetries:             CategoryInternal,
	CodeResourceFailure:        CategoryInternal,
	CodeConfigInvalid:          CategoryBadRequest,
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryNotFound:
		return 404
	case CategoryBadRequest:
		return 400
	case CategoryConflict:
		return 409
	case CategoryUnavailable:
		return 503
	default:
		return 500
	}
}

// Error is the structured error type for workrun.
type Error struct {
	Code  Code   `json:"code"`
	What  string `json:"what"`
	Why   string `json:"why,omitempty"`
	Fix   string `json:"fix,omitempty"`
	Cause error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly message for CLI output.
func (e *Error) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString("\n\nWhy: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n\nFix: ")
		b.WriteString(e.Fix)
	}
	return b.String()
}

// Category returns the error category for HTTP status mapping.
func (e *Error) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *Error) HTTPStatus() int {
	return e.Category().HTTPStatus()
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	type alias Error
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *Error) WithCause(err error) *Error {
	return &Error{
		Code:  e.Code,
		What:  e.What,
		Why:   e.Why,
		Fix:   e.Fix,
		Cause: err,
	}
}

// Sentinels for errors.Is comparisons. Only the code is compared.
var (
	ErrInvalidStateTransition = &Error{Code: CodeInvalidStateTransition, What: "invalid state transition"}
	ErrDomainInvariant        = &Error{Code: CodeDomainInvariant, What: "domain invariant violated"}
	ErrNotFound               = &Error{Code: CodeNotFound, What: "not found"}
	ErrConcurrentModification = &Error{Code: CodeConcurrentModification, What: "concurrent modification"}
	ErrAgentRetryable         = &Error{Code: CodeAgentRetryable, What: "agent call failed"}
	ErrAgentNonRetryable      = &Error{Code: CodeAgentNonRetryable, What: "agent call failed permanently"}
	ErrMaxRetries             = &Error{Code: CodeMaxRetries, What: "max retries exceeded"}
	ErrResourceFailure        = &Error{Code: CodeResourceFailure, What: "resource operation failed"}
)

// --- Error constructors ---

// InvalidTransition returns an error for a state machine edge that does not exist.
func InvalidTransition(runID, action, from string) *Error {
	return &Error{
		Code: CodeInvalidStateTransition,
		What: fmt.Sprintf("cannot %s workflow run %s", action, runID),
		Why:  fmt.Sprintf("run is in state %s", from),
		Fix:  "Reload the run and check its status before retrying",
	}
}

// Invariant returns an error for a violated domain rule.
func Invariant(what, why string) *Error {
	return &Error{
		Code: CodeDomainInvariant,
		What: what,
		Why:  why,
	}
}

// NotFound returns an error for a missing aggregate.
func NotFound(kind, id string) *Error {
	return &Error{
		Code: CodeNotFound,
		What: fmt.Sprintf("%s %s not found", kind, id),
	}
}

// Conflict returns an optimistic-lock conflict error.
func Conflict(kind, id string, expectedVersion int) *Error {
	return &Error{
		Code: CodeConcurrentModification,
		What: fmt.Sprintf("%s %s was modified concurrently", kind, id),
		Why:  fmt.Sprintf("stored version no longer matches expected version %d", expectedVersion),
		Fix:  "Reload the aggregate and retry the whole operation",
	}
}

// AgentRetryable wraps a transient agent failure.
func AgentRetryable(err error) *Error {
	return &Error{
		Code:  CodeAgentRetryable,
		What:  "agent call failed",
		Cause: err,
	}
}

// AgentNonRetryable wraps an agent failure that must not be retried.
func AgentNonRetryable(what string, err error) *Error {
	return &Error{
		Code:  CodeAgentNonRetryable,
		What:  what,
		Cause: err,
	}
}

// MaxRetries returns an error when dispatch attempts are exhausted.
func MaxRetries(executionID string, attempts int, last error) *Error {
	return &Error{
		Code:  CodeMaxRetries,
		What:  fmt.Sprintf("work execution %s failed after %d attempts", executionID, attempts),
		Fix:   "Inspect the agent session, then resume the run",
		Cause: last,
	}
}

// Resource wraps a failure of a git or filesystem side effect.
func Resource(what string, err error) *Error {
	return &Error{
		Code:  CodeResourceFailure,
		What:  what,
		Cause: err,
	}
}

// ConfigInvalid returns an error for invalid configuration.
func ConfigInvalid(field, reason string) *Error {
	return &Error{
		Code: CodeConfigInvalid,
		What: fmt.Sprintf("invalid configuration: %s", field),
		Why:  reason,
		Fix:  "Check .workrun/config.yaml and fix the invalid field",
	}
}

// AsError attempts to convert an error to an *Error.
// Returns nil if the error is not an *Error.
func AsError(err error) *Error {
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return nil
}

// HasCode reports whether err or anything it wraps carries the code.
func HasCode(err error, code Code) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Code == code {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// Wrap wraps a generic error into an *Error with unknown code.
func Wrap(err error, what string) *Error {
	return &Error{
		Code:  Code("UNKNOWN"),
		What:  what,
		Cause: err,
	}
}
