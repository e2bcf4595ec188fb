// Package errors provides centralized error definitions and error handling
// utilities for the foreman codebase. It defines the sentinel errors shared
// across the orchestration core, structured error types that carry entity
// context, and classification helpers used by retry loops.
//
// # Error Taxonomy
//
// The core distinguishes six outcome classes:
//
//   - ErrNotFound: a referenced entity is absent; recoverable by re-checking
//     existence
//   - ErrConflict: an optimistic revision mismatch; recoverable by
//     re-read-and-retry, never fatal
//   - ErrBusy: lock contention; recoverable, caller backs off or yields
//   - ErrExpired: a stale lease token; a no-op outcome, not a failure
//   - ErrDependencyUnmet: assignment attempted before dependencies completed;
//     caller must re-check eligibility
//   - ErrUnavailable: the store or transport is unreachable; retryable at the
//     connection level
//
// # Usage
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrConflict) { ... }
//
//	var entityErr *errors.EntityError
//	if errors.As(err, &entityErr) { ... }
//
//	if errors.IsRetryable(err) { ... }
package errors

import (
	"errors"
	"fmt"
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

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

var (
	// ErrNotFound indicates that a referenced entity does not exist.
	ErrNotFound = New("entity not found")

	// ErrConflict indicates an optimistic concurrency failure: the stored
	// revision no longer matches the revision the caller observed.
	ErrConflict = New("revision conflict")

	// ErrBusy indicates that a lock is currently held by another acquirer.
	ErrBusy = New("lock busy")

	// ErrExpired indicates a stale or mismatched lease token. Release with an
	// expired token is a no-op; this error reports the outcome only.
	ErrExpired = New("lease expired")

	// ErrDependencyUnmet indicates that a subtask was offered for assignment
	// before all of its dependencies completed.
	ErrDependencyUnmet = New("subtask dependencies not satisfied")

	// ErrUnavailable indicates that the authoritative store or a transport
	// collaborator is unreachable.
	ErrUnavailable = New("store unavailable")

	// ErrInvalidTransition indicates a status transition that the state
	// machine does not permit.
	ErrInvalidTransition = New("invalid status transition")
)

// -----------------------------------------------------------------------------
// Structured Errors
// -----------------------------------------------------------------------------

// EntityError wraps an error with the entity kind and id it concerns.
type EntityError struct {
	Kind string // "worker", "task", "subtask", "checkpoint", ...
	ID   string
	Err  error
}

// NewEntityError creates an EntityError for the given entity.
func NewEntityError(kind, id string, err error) *EntityError {
	return &EntityError{Kind: kind, ID: id, Err: err}
}

// Error implements the error interface.
func (e *EntityError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.ID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As chains.
func (e *EntityError) Unwrap() error {
	return e.Err
}

// ConflictError carries the revision detail of an optimistic lock failure.
type ConflictError struct {
	Kind     string
	ID       string
	Expected int64 // revision the caller observed
}

// NewConflictError creates a ConflictError for the given entity and revision.
func NewConflictError(kind, id string, expected int64) *ConflictError {
	return &ConflictError{Kind: kind, ID: id, Expected: expected}
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: revision conflict at %d", e.Kind, e.ID, e.Expected)
}

// Unwrap makes ConflictError match ErrConflict via errors.Is.
func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// -----------------------------------------------------------------------------
// Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable reports whether the error is an expected steady-state
// contention outcome that should be handled with bounded backoff at the call
// site rather than logged as an error.
func IsRetryable(err error) bool {
	return Is(err, ErrConflict) || Is(err, ErrBusy)
}

// IsNotFound reports whether the error indicates an absent entity.
func IsNotFound(err error) bool {
	return Is(err, ErrNotFound)
}

// IsConflict reports whether the error is an optimistic lock failure.
func IsConflict(err error) bool {
	return Is(err, ErrConflict)
}

// IsUnavailable reports whether the error indicates an unreachable store.
// This is the only class that should pause a scheduling loop rather than a
// single operation.
func IsUnavailable(err error) bool {
	return Is(err, ErrUnavailable)
}

// IsStructural reports whether the error indicates a caller logic fault
// (absent entity or unmet dependency) that should surface to the scheduling
// loop for correction rather than be retried blindly.
func IsStructural(err error) bool {
	return Is(err, ErrNotFound) || Is(err, ErrDependencyUnmet) || Is(err, ErrInvalidTransition)
}
