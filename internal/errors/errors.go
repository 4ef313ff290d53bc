// Package errors provides error code definitions shared across the
// collaboration core and its HTTP/WebSocket boundary.
package errors

import "fmt"

// ErrorCode represents a unique error code surfaced across the API boundary.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrPermission ErrorCode = "PERMISSION_DENIED"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Auth errors
	ErrAuthFailed   ErrorCode = "AUTH_FAILED"
	ErrTokenExpired ErrorCode = "TOKEN_EXPIRED"

	// Update / conflict errors
	ErrUpdateNotFound   ErrorCode = "UPDATE_NOT_FOUND"
	ErrConflictNotFound ErrorCode = "CONFLICT_NOT_FOUND"
	ErrConflictResolved ErrorCode = "CONFLICT_ALREADY_RESOLVED"
	ErrUnknownStrategy  ErrorCode = "UNKNOWN_STRATEGY"

	// Session errors
	ErrSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
	ErrNotParticipant  ErrorCode = "NOT_A_PARTICIPANT"

	// Delivery errors
	ErrConnectionNotFound ErrorCode = "CONNECTION_NOT_FOUND"
	ErrBroadcastFailed    ErrorCode = "BROADCAST_FAILED"
	ErrPersistenceFailed  ErrorCode = "PERSISTENCE_FAILED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error is of a specific code.
func Is(err error, code ErrorCode) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code == code
	}
	return false
}

// CodeOf extracts the ErrorCode from an error, or ErrInternal for
// non-AppError values.
func CodeOf(err error) ErrorCode {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return ErrInternal
}
