package entity

import (
	"errors"
	"fmt"
)

// Sentinel classes for the failure taxonomy. Typed errors below match their
// class through errors.Is so callers can branch without unwrapping.
var (
	// ErrValidation indicates rejected input.
	ErrValidation = errors.New("entity: validation failed")
	// ErrNotFound indicates a missing or tombstoned entity.
	ErrNotFound = errors.New("entity: not found")
	// ErrConflict indicates a state collision such as a duplicate tag name.
	ErrConflict = errors.New("entity: conflict")
	// ErrStorage indicates a persistence failure, including checksum mismatches.
	ErrStorage = errors.New("entity: storage failure")
	// ErrSync indicates a sync transport or protocol failure.
	ErrSync = errors.New("entity: sync failure")
)

// ValidationError reports a rejected field with the reason.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("entity: validation failed: %s: %s", e.Field, e.Reason)
}

// Is matches the validation sentinel.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NotFoundError reports a lookup miss for a specific entity.
type NotFoundError struct {
	Kind Type
	ID   string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("entity: %s %s not found", e.Kind, e.ID)
}

// Is matches the not-found sentinel.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ConflictError reports a state collision on a specific entity.
type ConflictError struct {
	Kind   Type
	ID     string
	Reason string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("entity: %s %s conflict: %s", e.Kind, e.ID, e.Reason)
}

// Is matches the conflict sentinel.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// StorageError wraps a persistence failure with the failing operation name.
type StorageError struct {
	Operation string
	Err       error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("entity: storage failure in %s: %v", e.Operation, e.Err)
}

// Is matches the storage sentinel.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// Unwrap exposes the underlying cause.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// SyncError wraps a sync failure. Retryable failures leave the engine in a
// state where the next cycle resubmits the identical batch.
type SyncError struct {
	Operation string
	Retryable bool
	Err       error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	return fmt.Sprintf("entity: sync failure in %s: %v", e.Operation, e.Err)
}

// Is matches the sync sentinel.
func (e *SyncError) Is(target error) bool {
	return target == ErrSync
}

// Unwrap exposes the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Err
}
