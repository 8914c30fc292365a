// Package errors provides structured error handling with machine-readable codes.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Access errors
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeAdminRequired    Code = "ADMIN_REQUIRED"

	// Session lifecycle errors
	CodeConflict                Code = "CONFLICT"
	CodeInvalidStatusTransition Code = "SESSION_INVALID_STATUS_TRANSITION"
	CodeSessionEmptyID          Code = "SESSION_EMPTY_ID"
	CodeSessionEmptyOwner       Code = "SESSION_EMPTY_OWNER"

	// Storage errors
	CodeNotFound         Code = "NOT_FOUND"
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"

	// Checkpoint errors
	CodeCheckpointCorrupted Code = "CHECKPOINT_CORRUPTED"
	CodeUnrecoverable       Code = "UNRECOVERABLE"

	// Lock errors
	CodeLockTimeout Code = "LOCK_TIMEOUT"
)
