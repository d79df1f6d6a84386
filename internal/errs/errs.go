// Package errs defines the typed error kinds that cross the Storage
// Engine, Embedder, and worker boundaries (spec §7). Every recoverable
// or fatal condition a worker can observe is represented as one of
// these kinds so callers can switch on Kind() instead of matching
// error strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind enumerates the error taxonomy from spec §7.
type Kind string

const (
	ConfigError          Kind = "ConfigError"
	StorageBusy          Kind = "StorageBusy"
	StorageError         Kind = "StorageError"
	StorageCorruption    Kind = "StorageCorruption"
	SchemaMismatch       Kind = "SchemaMismatch"
	ParseError           Kind = "ParseError"
	EmbedTransientError  Kind = "EmbedTransientError"
	EmbedFatalError      Kind = "EmbedFatalError"
	VectorIndexMismatch  Kind = "VectorIndexMismatch"
	LockHeld             Kind = "LockHeld"
	FilesystemError      Kind = "FilesystemError"
	ProjectMismatch      Kind = "ProjectMismatch"
	Timeout              Kind = "Timeout"
	Cancelled            Kind = "Cancelled"
)

// Error is the typed error carried across the SE/EE/worker boundaries.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an *Error wrapping cause, or returns nil if cause is nil.
func Wrap(kind Kind, message string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, or "" if err is not a typed Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Recoverable reports whether the propagation policy (spec §7) keeps
// this error inside the worker rather than tearing the process down.
func Recoverable(kind Kind) bool {
	switch kind {
	case StorageBusy, StorageError, EmbedTransientError, LockHeld,
		FilesystemError, Timeout, ParseError, VectorIndexMismatch,
		ProjectMismatch, Cancelled:
		return true
	default:
		return false
	}
}
