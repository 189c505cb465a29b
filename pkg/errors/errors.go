package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application-specific error codes.
// Call codes travel on the wire in signaling acks, so they are lowercase.
type ErrorCode string

const (
	// Call signaling errors
	ErrCodeNotFound          ErrorCode = "not_found"
	ErrCodeNotParticipant    ErrorCode = "not_participant"
	ErrCodeGroupNotSupported ErrorCode = "group_not_supported"
	ErrCodeNoActiveCall      ErrorCode = "no_active_call"
	ErrCodeInvalidPayload    ErrorCode = "invalid_payload"
	ErrCodeBusy              ErrorCode = "busy"

	// Authentication errors
	ErrCodeUnauthenticated ErrorCode = "unauthenticated"
	ErrCodeInvalidToken    ErrorCode = "invalid_token"
	ErrCodeExpiredToken    ErrorCode = "expired_token"

	// Rate limiting errors
	ErrCodeRateLimitExceeded ErrorCode = "rate_limit_exceeded"

	// Internal errors
	ErrCodeInternal       ErrorCode = "internal"
	ErrCodeDatabase       ErrorCode = "database_error"
	ErrCodeServiceUnavail ErrorCode = "service_unavailable"
)

// AppError represents a structured application error with code, message, and HTTP status
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Err        error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an AppError with the same code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewWithStatus creates a new AppError with a specific HTTP status code
func NewWithStatus(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// WrapWithStatus wraps an existing error with an AppError and specific status code
func WrapWithStatus(code ErrorCode, message string, statusCode int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// Call signaling errors

func NotFoundError(resource string) *AppError {
	return NewWithStatus(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NotParticipantError() *AppError {
	return NewWithStatus(ErrCodeNotParticipant, "Not a participant of this conversation", http.StatusForbidden)
}

func GroupNotSupportedError() *AppError {
	return NewWithStatus(ErrCodeGroupNotSupported, "Calls are only supported in direct conversations", http.StatusUnprocessableEntity)
}

func NoActiveCallError() *AppError {
	return NewWithStatus(ErrCodeNoActiveCall, "No active call for this conversation", http.StatusConflict)
}

func InvalidPayloadError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidPayload, message, http.StatusBadRequest)
}

func BusyError() *AppError {
	return NewWithStatus(ErrCodeBusy, "A call is already in progress for this conversation", http.StatusConflict)
}

// Authentication errors

func InvalidTokenError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidToken, message, http.StatusUnauthorized)
}

func ExpiredTokenError() *AppError {
	return NewWithStatus(ErrCodeExpiredToken, "Token has expired", http.StatusUnauthorized)
}

// Rate limiting errors
func RateLimitExceededError() *AppError {
	return NewWithStatus(ErrCodeRateLimitExceeded, "Rate limit exceeded", http.StatusTooManyRequests)
}

// Internal errors
func InternalError(message string) *AppError {
	return NewWithStatus(ErrCodeInternal, message, http.StatusInternalServerError)
}

func DatabaseError(err error) *AppError {
	return WrapWithStatus(ErrCodeDatabase, "Database error", http.StatusInternalServerError, err)
}

func ServiceUnavailableError(message string) *AppError {
	return NewWithStatus(ErrCodeServiceUnavail, message, http.StatusServiceUnavailable)
}

// IsAppError checks if an error is an AppError type
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError extracts AppError from an error, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return InternalError(err.Error())
}

// CodeOf returns the error code carried by err, or ErrCodeInternal.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	return GetAppError(err).Code
}
