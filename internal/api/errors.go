// Package api defines the machine-readable error taxonomy shared by the
// provisioning surface and the connection validators.
package api

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrCode categorizes an API error so that clients can distinguish
// "you did something wrong" from "this isn't available here".
type ErrCode string

const (
	// ErrCodeUnknown indicates an unexpected internal failure.
	ErrCodeUnknown ErrCode = "HL_UNKNOWN"

	// ErrCodeBadValue indicates externally supplied configuration or input
	// that failed validation. Bad input is never persisted.
	ErrCodeBadValue ErrCode = "HL_BAD_VALUE"

	// ErrCodeDisabledFeature indicates the integration family exists but is
	// switched off in this deployment's configuration.
	ErrCodeDisabledFeature ErrCode = "HL_DISABLED_FEATURE"

	// ErrCodeNotFound indicates a missing room, connection or session.
	ErrCodeNotFound ErrCode = "HL_NOT_FOUND"

	// ErrCodeForbidden indicates the caller's session does not permit the
	// requested operation.
	ErrCodeForbidden ErrCode = "HL_FORBIDDEN"

	// ErrCodeUnsupported indicates the requested connection type is not
	// recognized by this bridge at all.
	ErrCodeUnsupported ErrCode = "HL_UNSUPPORTED"
)

// ApiError is an error with a stable machine-readable code. Validation
// failures, disabled features and permission problems all surface as
// ApiError values; transient store failures do not.
type ApiError struct {
	Code    ErrCode
	Message string
	Err     error
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error so errors.Is/As keep working.
func (e *ApiError) Unwrap() error {
	return e.Err
}

// StatusCode maps the error code to an HTTP status for the API boundary.
func (e *ApiError) StatusCode() int {
	switch e.Code {
	case ErrCodeBadValue:
		return http.StatusBadRequest
	case ErrCodeDisabledFeature, ErrCodeUnsupported:
		return http.StatusUnprocessableEntity
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeForbidden:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates an ApiError with the given code and message.
func NewError(code ErrCode, message string, err error) *ApiError {
	return &ApiError{Code: code, Message: message, Err: err}
}

// BadValue creates a validation error.
func BadValue(message string, err error) *ApiError {
	return NewError(ErrCodeBadValue, message, err)
}

// BadValuef creates a validation error from a format string.
func BadValuef(format string, args ...any) *ApiError {
	return NewError(ErrCodeBadValue, fmt.Sprintf(format, args...), nil)
}

// DisabledFeature creates a feature-disabled error.
func DisabledFeature(message string) *ApiError {
	return NewError(ErrCodeDisabledFeature, message, nil)
}

// NotFound creates a not-found error.
func NotFound(message string) *ApiError {
	return NewError(ErrCodeNotFound, message, nil)
}

// Forbidden creates a permission error.
func Forbidden(message string) *ApiError {
	return NewError(ErrCodeForbidden, message, nil)
}

// GetCode extracts the ErrCode from an error chain, defaulting to
// ErrCodeUnknown for errors that are not ApiErrors.
func GetCode(err error) ErrCode {
	var apiErr *ApiError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ErrCodeUnknown
}

// IsBadValue reports whether the error chain contains a validation error.
func IsBadValue(err error) bool {
	return GetCode(err) == ErrCodeBadValue
}
