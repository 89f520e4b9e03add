package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across callbridge.
type ErrorCode string

// Signaling and telephony error codes
const (
	ErrConnection      ErrorCode = "CONNECTION_ERROR"
	ErrTelephonyAction ErrorCode = "TELEPHONY_ACTION_FAILED"
)

// Recording error codes
const (
	ErrRecordingFailed     ErrorCode = "RECORDING_FAILED"
	ErrRecordingTimeout    ErrorCode = "RECORDING_TIMEOUT"
	ErrRecordingInProgress ErrorCode = "RECORDING_IN_PROGRESS"
)

// Session store error codes
const (
	ErrSessionNotFound   ErrorCode = "SESSION_NOT_FOUND"
	ErrDuplicateSession  ErrorCode = "DUPLICATE_SESSION"
	ErrSessionTerminated ErrorCode = "SESSION_TERMINATED"
)

// Audio pipeline error codes
const (
	ErrPipeline ErrorCode = "PIPELINE_ERROR"
)

// API error codes
const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrNotFound           ErrorCode = "NOT_FOUND"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	CallID     string    `json:"call_id,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithCallID tags the error with the call it belongs to.
func (e *Error) WithCallID(callID string) *Error {
	e.CallID = callID
	return e
}

// AsError extracts a *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsCode reports whether any *Error in the chain carries code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetErrorCode(err) == code
}

// =============================================================================
// 常用错误构造
// =============================================================================

// NewSessionNotFoundError 会话不存在
func NewSessionNotFoundError(callID string) *Error {
	return NewError(ErrSessionNotFound, "session not found").WithCallID(callID)
}

// NewDuplicateSessionError 会话已存在且尚未结束
func NewDuplicateSessionError(callID string) *Error {
	return NewError(ErrDuplicateSession, "session already active").WithCallID(callID)
}

// NewSessionTerminatedError 会话已结束，拒绝写入
func NewSessionTerminatedError(callID string) *Error {
	return NewError(ErrSessionTerminated, "session already ended").WithCallID(callID)
}
