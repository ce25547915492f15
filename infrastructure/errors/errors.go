// Package errors provides the orchestrator's error taxonomy. Only
// validation, ambiguity, and conflict errors propagate to the submission
// caller; everything else is recorded on the build row and in its trace.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies an error for callers and for the HTTP surface.
type ErrorCode string

const (
	// Validation errors: malformed manifest, disallowed repository,
	// duplicate component across nested modules.
	ErrCodeValidation    ErrorCode = "VAL_1001"
	ErrCodeUnprocessable ErrorCode = "VAL_1002"
	ErrCodeForbidden     ErrorCode = "VAL_1003"

	// Ambiguity: stream expansion produced more than one candidate without
	// caller consent.
	ErrCodeStreamAmbiguous ErrorCode = "EXP_2001"

	// Conflict: NSVC collision with an existing non-failed build.
	ErrCodeConflict ErrorCode = "RES_3001"
	ErrCodeNotFound ErrorCode = "RES_3002"

	// Transient external failures: resolver or builder timeouts inside a
	// handler. Retried with bounded attempts.
	ErrCodeTransient ErrorCode = "EXT_4001"

	// Unrecoverable: a component came back FAILED or CANCELED from the
	// builder.
	ErrCodeUnrecoverable ErrorCode = "EXT_4002"

	// Internal: a handler raised unexpectedly.
	ErrCodeInternal ErrorCode = "SVC_5001"
	ErrCodeDatabase ErrorCode = "SVC_5002"
)

// ServiceError is a structured error carrying a code and an HTTP status for
// the submission surface.
type ServiceError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"-"`
	Err        error     `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

func newError(code ErrorCode, status int, format string, args ...any) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: status,
	}
}

// Validation builds a validation error.
func Validation(format string, args ...any) *ServiceError {
	return newError(ErrCodeValidation, http.StatusBadRequest, format, args...)
}

// Unprocessable marks input that parsed but cannot be acted on.
func Unprocessable(format string, args ...any) *ServiceError {
	return newError(ErrCodeUnprocessable, http.StatusUnprocessableEntity, format, args...)
}

// Forbidden marks input rejected by policy.
func Forbidden(format string, args ...any) *ServiceError {
	return newError(ErrCodeForbidden, http.StatusForbidden, format, args...)
}

// StreamAmbiguous reports that stream expansion produced several candidates
// without the caller authorizing ambiguity.
func StreamAmbiguous(format string, args ...any) *ServiceError {
	return newError(ErrCodeStreamAmbiguous, http.StatusBadRequest, format, args...)
}

// Conflict reports an NSVC collision with an existing non-failed build.
func Conflict(format string, args ...any) *ServiceError {
	return newError(ErrCodeConflict, http.StatusConflict, format, args...)
}

// NotFound reports a missing entity.
func NotFound(format string, args ...any) *ServiceError {
	return newError(ErrCodeNotFound, http.StatusNotFound, format, args...)
}

// Transient wraps an external failure worth retrying.
func Transient(err error, format string, args ...any) *ServiceError {
	e := newError(ErrCodeTransient, http.StatusBadGateway, format, args...)
	e.Err = err
	return e
}

// Unrecoverable wraps a permanent external failure.
func Unrecoverable(format string, args ...any) *ServiceError {
	return newError(ErrCodeUnrecoverable, http.StatusBadGateway, format, args...)
}

// Internal wraps an unexpected programmer error.
func Internal(err error, format string, args ...any) *ServiceError {
	e := newError(ErrCodeInternal, http.StatusInternalServerError, format, args...)
	e.Err = err
	return e
}

// Database wraps an underlying storage failure.
func Database(err error, format string, args ...any) *ServiceError {
	e := newError(ErrCodeDatabase, http.StatusInternalServerError, format, args...)
	e.Err = err
	return e
}

func hasCode(err error, codes ...ErrorCode) bool {
	var se *ServiceError
	if !errors.As(err, &se) {
		return false
	}
	for _, code := range codes {
		if se.Code == code {
			return true
		}
	}
	return false
}

// IsValidation reports whether err belongs to the validation class.
func IsValidation(err error) bool {
	return hasCode(err, ErrCodeValidation, ErrCodeUnprocessable, ErrCodeForbidden)
}

// IsStreamAmbiguous reports whether err is a stream ambiguity error.
func IsStreamAmbiguous(err error) bool { return hasCode(err, ErrCodeStreamAmbiguous) }

// IsConflict reports whether err is an NSVC conflict.
func IsConflict(err error) bool { return hasCode(err, ErrCodeConflict) }

// IsNotFound reports whether err marks a missing entity.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool { return hasCode(err, ErrCodeTransient) }

// Surfaced reports whether the error class propagates to the submission
// caller rather than being recorded as a state reason.
func Surfaced(err error) bool {
	return IsValidation(err) || IsStreamAmbiguous(err) || IsConflict(err)
}
