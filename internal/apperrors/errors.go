// Package apperrors defines the error taxonomy shared by the sync engine and its adapters.
package apperrors

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a class of failure. Codes are persisted with failed operations.
type ErrorCode string

const (
	CodeValidation    ErrorCode = "VALIDATION_ERROR"
	CodeUnsupported   ErrorCode = "UNSUPPORTED_OPERATION"
	CodeNetwork       ErrorCode = "NETWORK_ERROR"
	CodeTransient     ErrorCode = "REMOTE_TRANSIENT"
	CodeSecurity      ErrorCode = "SECURITY_ERROR"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeIllegalState  ErrorCode = "ILLEGAL_STATE"
	CodeStorage       ErrorCode = "STORAGE_ERROR"
	CodeConfiguration ErrorCode = "CONFIGURATION_ERROR"
	CodeInternal      ErrorCode = "INTERNAL_ERROR"
)

var (
	// ErrNotFound is returned by stores when a document or operation does not exist.
	ErrNotFound = &AppError{Code: CodeNotFound}
	// ErrOffline is returned when the remote store cannot be reached.
	ErrOffline = &AppError{Code: CodeNetwork}
)

// AppError is an error carrying a code, a human message and an optional cause.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *AppError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match any AppError against a bare code sentinel such as ErrNotFound.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Code == e.Code
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func Newf(code ErrorCode, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

func Validation(format string, args ...any) *AppError {
	return Newf(CodeValidation, format, args...)
}

func Unsupported(format string, args ...any) *AppError {
	return Newf(CodeUnsupported, format, args...)
}

func Security(format string, args ...any) *AppError {
	return Newf(CodeSecurity, format, args...)
}

func IllegalState(format string, args ...any) *AppError {
	return Newf(CodeIllegalState, format, args...)
}

func NotFound(format string, args ...any) *AppError {
	return Newf(CodeNotFound, format, args...)
}

// CodeOf returns the code of the first AppError in err's chain, or CodeInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// IsRecoverable reports whether a dispatch failure should go through retry/backoff.
// Unknown errors are treated as transient.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case CodeValidation, CodeUnsupported, CodeSecurity, CodeIllegalState, CodeConfiguration:
		return false
	default:
		return true
	}
}
