// Package errors provides the orchestrator's error taxonomy.
//
// Every error surfaced by the core carries one of a small set of kinds
// so callers can branch on failure class without string matching.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind string

const (
	// KindInvalidInput marks bad ids, paths, versions, or unknown event keys.
	KindInvalidInput Kind = "INVALID_INPUT"
	// KindNotFound marks unknown sessions, plans, projects, or plugins.
	KindNotFound Kind = "NOT_FOUND"
	// KindConflict marks duplicate reservations, origin collisions,
	// rejected state transitions, and cyclic task graphs.
	KindConflict Kind = "CONFLICT"
	// KindPluginFailure marks errors returned by a plugin.
	KindPluginFailure Kind = "PLUGIN_FAILURE"
	// KindIOFailure marks filesystem or sub-process failures.
	KindIOFailure Kind = "IO_FAILURE"
	// KindContractViolation marks persisted state that violates invariants.
	KindContractViolation Kind = "CONTRACT_VIOLATION"
)

// Error is an application error with a kind and optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports kind equality against the bare sentinel values below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

// Sentinels for errors.Is checks against a kind.
var (
	ErrInvalidInput      = &Error{Kind: KindInvalidInput}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrPluginFailure     = &Error{Kind: KindPluginFailure}
	ErrIOFailure         = &Error{Kind: KindIOFailure}
	ErrContractViolation = &Error{Kind: KindContractViolation}
)

// InvalidInput creates an invalid-input error.
func InvalidInput(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidInput, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates a not-found error for a resource.
func NotFound(resource, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// Conflict creates a conflict error.
func Conflict(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// PluginFailure wraps an error returned by the named plugin.
func PluginFailure(plugin string, err error) *Error {
	return &Error{Kind: KindPluginFailure, Message: fmt.Sprintf("plugin %s", plugin), Err: err}
}

// IOFailure wraps a filesystem or sub-process error.
func IOFailure(op string, err error) *Error {
	return &Error{Kind: KindIOFailure, Message: op, Err: err}
}

// ContractViolation creates a contract-violation error.
func ContractViolation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindContractViolation, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
