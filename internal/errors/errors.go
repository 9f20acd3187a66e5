// Package errors provides standardized error codes for the signcast host.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (pairing, dispatch, storage, auth, server)
//   - error: The specific error type within that domain
//
// These codes are stable and are returned to the operator control panel in the
// error_code field of every failed API response. Human-readable messages are
// provided alongside codes.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
// These are stable identifiers that control panels can rely on for error handling.
const (
	// Pairing domain - code issuance and the claim handshake
	CodePairingInvalidCode   = "pairing.invalid_code"   // Code unknown, expired, or no longer pending
	CodePairingCodeExhausted = "pairing.code_exhausted" // Could not find a free code
	CodePairingRateLimited   = "pairing.rate_limited"   // Too many verify attempts from one address

	// Dispatch domain - operator commands to registered devices
	CodeDispatchNotConnected   = "dispatch.not_connected"   // Device unknown, offline, or not authenticated
	CodeDispatchInvalidCommand = "dispatch.invalid_command" // Empty or reserved command action

	// Storage domain - device record persistence
	CodeStorageNotFound     = "storage.not_found"     // Record not found
	CodeStorageOpenFailed   = "storage.open_failed"   // Database open failed
	CodeStorageQueryFailed  = "storage.query_failed"  // Database query failed
	CodeStorageSaveFailed   = "storage.save_failed"   // Failed to save a device record
	CodeStorageDeleteFailed = "storage.delete_failed" // Failed to delete a device record

	// Server domain - WebSocket and network errors
	CodeServerUpgradeFailed  = "server.upgrade_failed"  // WebSocket upgrade failed
	CodeServerInvalidMessage = "server.invalid_message" // Malformed or invalid device frame
	CodeServerSendFailed     = "server.send_failed"     // Send buffer full or connection closed
	CodeServerShuttingDown   = "server.shutting_down"   // Host is stopping, no new sessions

	// Request domain - operator API input validation
	CodeRequestInvalid = "request.invalid" // Body missing, malformed, or missing a field

	// Auth domain - operator bearer tokens
	CodeAuthRequired     = "auth.required"      // Authorization header missing
	CodeAuthInvalidToken = "auth.invalid_token" // Token failed signature or claim checks
	CodeAuthExpired      = "auth.expired"       // Token expired

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal server error
)

// Operator-facing messages. These are deliberately generic: a failed claim never
// says whether the code was wrong or just stale.
const (
	MessageInvalidCode  = "Invalid or expired code"
	MessageNotConnected = "Device not connected or not authenticated"
	MessageDatabase     = "Database error"
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "pairing.invalid_code")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a CodedError with the same code.
// Sentinels declared with New therefore match wrapped copies of themselves.
func (e *CodedError) Is(target error) bool {
	var t *CodedError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && t.Cause == nil
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// If the error is a CodedError, returns its code.
// Falls back to CodeUnknown for unrecognized errors.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to client responses.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// GetNextAction returns a short hint for the operator UI describing what to do
// after an error with the given code. Unknown codes return an empty string.
func GetNextAction(code string) string {
	switch code {
	case CodePairingInvalidCode:
		return "check the code shown on the display and try again"
	case CodePairingRateLimited:
		return "wait a minute before trying another code"
	case CodePairingCodeExhausted, CodeServerShuttingDown:
		return "retry shortly"
	case CodeDispatchNotConnected:
		return "make sure the display is powered on and online"
	case CodeStorageSaveFailed, CodeStorageDeleteFailed, CodeStorageQueryFailed:
		return "retry; the device was not changed"
	case CodeAuthRequired, CodeAuthInvalidToken, CodeAuthExpired:
		return "sign in again"
	}
	return ""
}

// Common error constructors for frequently used error types.

// NotFound creates a "storage.not_found" error.
func NotFound(resource string) *CodedError {
	return New(CodeStorageNotFound, fmt.Sprintf("%s not found", resource))
}

// InvalidMessage creates a "server.invalid_message" error for a dropped device frame.
func InvalidMessage(reason string, cause error) *CodedError {
	return Wrap(CodeServerInvalidMessage, reason, cause)
}

// OpenFailed creates a "storage.open_failed" error.
func OpenFailed(cause error) *CodedError {
	return Wrap(CodeStorageOpenFailed, "failed to open record store", cause)
}

// InvalidRequest creates a "request.invalid" error.
func InvalidRequest(reason string) *CodedError {
	return New(CodeRequestInvalid, reason)
}

// InvalidCommand creates a "dispatch.invalid_command" error.
func InvalidCommand(action string) *CodedError {
	if action == "" {
		return New(CodeDispatchInvalidCommand, "command is required")
	}
	return New(CodeDispatchInvalidCommand, fmt.Sprintf("command %q is reserved", action))
}

// SaveFailed creates a "storage.save_failed" error.
func SaveFailed(cause error) *CodedError {
	return Wrap(CodeStorageSaveFailed, MessageDatabase, cause)
}

// DeleteFailed creates a "storage.delete_failed" error.
func DeleteFailed(cause error) *CodedError {
	return Wrap(CodeStorageDeleteFailed, MessageDatabase, cause)
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}
