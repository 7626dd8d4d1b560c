package errors

import (
	"errors"
	"fmt"
)

// AppError represents an application error with a stable code and a
// transience classification. Transient errors are safe to retry on the
// next tick or message redelivery; permanent errors require a state
// change (marking an occurrence failed, purging a stale index entry).
type AppError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Transient bool   `json:"-"`
	Err       error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Common error codes
const (
	CodeNotFound        = "NOT_FOUND"
	CodeConflict        = "CONFLICT"
	CodeUnavailable     = "UNAVAILABLE"
	CodeValidationError = "VALIDATION_ERROR"
	CodeInternalError   = "INTERNAL_ERROR"
)

// Common application errors
var (
	ErrNotFound    = &AppError{Code: CodeNotFound, Message: "resource not found"}
	ErrConflict    = &AppError{Code: CodeConflict, Message: "resource conflict"}
	ErrUnavailable = &AppError{Code: CodeUnavailable, Message: "dependency unavailable", Transient: true}
	ErrValidation  = &AppError{Code: CodeValidationError, Message: "validation failed"}
	ErrInternal    = &AppError{Code: CodeInternalError, Message: "internal error"}
)

// New creates a new AppError
func New(code string, message string, transient bool) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Transient: transient,
	}
}

// Wrap wraps an error with an AppError
func Wrap(err error, appErr *AppError) *AppError {
	return &AppError{
		Code:      appErr.Code,
		Message:   appErr.Message,
		Transient: appErr.Transient,
		Err:       err,
	}
}

// WithMessage returns a new AppError with a custom message
func (e *AppError) WithMessage(message string) *AppError {
	return &AppError{
		Code:      e.Code,
		Message:   message,
		Transient: e.Transient,
		Err:       e.Err,
	}
}

// WithError returns a new AppError with a wrapped error
func (e *AppError) WithError(err error) *AppError {
	return &AppError{
		Code:      e.Code,
		Message:   e.Message,
		Transient: e.Transient,
		Err:       err,
	}
}

// Is checks if the error is a specific AppError
func Is(err error, target *AppError) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == target.Code
	}
	return false
}

// IsTransient reports whether the error is marked safe to retry.
// Unclassified errors are treated as permanent.
func IsTransient(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Transient
	}
	return false
}
