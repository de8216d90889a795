package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode is the machine-readable error class surfaced to API clients.
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeForbidden          ErrorCode = "FORBIDDEN"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeEncodeFailure      ErrorCode = "ENCODE_START_FAILURE"
)

// AppError carries an error code and the HTTP status it should map to.
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WrapError attaches a code and status to an underlying error.
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
	}
}

func NewInvalidInputError(message string) *AppError {
	return &AppError{Code: ErrCodeInvalidInput, Message: message, HTTPStatus: http.StatusBadRequest}
}

func NewServiceUnavailableError(message string) *AppError {
	return &AppError{Code: ErrCodeServiceUnavailable, Message: message, HTTPStatus: http.StatusServiceUnavailable}
}

// NewEncodeFailureError marks a session whose entire ladder failed to launch.
func NewEncodeFailureError(err error) *AppError {
	return WrapError(err, ErrCodeEncodeFailure, "no encode job could be started", http.StatusBadGateway)
}

// GetAppError walks the error chain for an AppError, returning nil when the
// chain holds none.
func GetAppError(err error) *AppError {
	for err != nil {
		if appErr, ok := err.(*AppError); ok {
			return appErr
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil
		}
		err = u.Unwrap()
	}
	return nil
}
