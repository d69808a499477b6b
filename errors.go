package tidewave

import (
	"errors"
	"fmt"
)

// ============================================================================
// Error Taxonomy
// ============================================================================

// Code classifies sync-layer errors by how they are recovered.
type Code string

const (
	// CodeTransient marks a call that did not complete. The optimistic change
	// is rolled back and the operation is retry-eligible.
	CodeTransient Code = "TRANSIENT"

	// CodeConflict marks a server rejection because the entity no longer
	// exists or was modified. The local optimistic change is discarded and
	// canonical state is re-requested.
	CodeConflict Code = "CONFLICT"

	// CodeChannelDegraded marks a push channel disconnect. Presence state is
	// cleared; stores are kept but flagged possibly-stale until re-hydration.
	CodeChannelDegraded Code = "CHANNEL_DEGRADED"

	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeInternal        Code = "INTERNAL"
)

// SyncError is the error type surfaced by the sync core. No SyncError is
// fatal to the process; all are recoverable by rollback, retry, or re-fetch.
type SyncError struct {
	Code    Code
	Message string
	Cause   error
}

func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SyncError) Unwrap() error { return e.Cause }

// Constructors

func newSyncError(code Code, message string) error {
	return &SyncError{Code: code, Message: message}
}

func wrapSyncError(code Code, message string, cause error) error {
	return &SyncError{Code: code, Message: message, Cause: cause}
}

// Transient creates a retry-eligible error for a call that did not complete.
func Transient(message string, cause error) error {
	return wrapSyncError(CodeTransient, message, cause)
}

// Conflict creates an error for a server-rejected write.
func Conflict(message string) error {
	return newSyncError(CodeConflict, message)
}

// InvalidArg creates an error for a malformed local request.
func InvalidArg(message string) error {
	return newSyncError(CodeInvalidArgument, message)
}

// CodeOf extracts the Code from err, or CodeInternal if err is not a
// SyncError.
func CodeOf(err error) Code {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeInternal
}

// IsTransient reports whether err is retry-eligible.
func IsTransient(err error) bool { return CodeOf(err) == CodeTransient }

// IsConflict reports whether err is a server-side rejection of a stale write.
func IsConflict(err error) bool { return CodeOf(err) == CodeConflict }
