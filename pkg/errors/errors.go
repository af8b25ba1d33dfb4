package errors

import (
	"errors"
	"fmt"
)

// AppError provides a structured error carrying a stable code that callers can
// branch on without string matching.
type AppError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Internal error  `json:"-"`
}

func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}

	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}

	return e.Message
}

// Unwrap exposes the internal error for errors.Is / errors.As compatibility.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Internal
}

// Is matches another AppError by code so sentinel comparisons survive WithInternal copies.
func (e *AppError) Is(target error) bool {
	var other *AppError
	if !errors.As(target, &other) {
		return false
	}
	return e != nil && other != nil && e.Code == other.Code
}

// WithInternal returns a copy of the AppError with an attached internal error.
func (e *AppError) WithInternal(err error) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Internal = err
	return &cpy
}

// Errors shared across the feed engine.
var (
	// ErrFetchInFlight is returned when a historical fetch is requested while
	// another one is still running.
	ErrFetchInFlight = &AppError{
		Code:    "FETCH_IN_FLIGHT",
		Message: "A page fetch is already in progress",
	}

	// ErrCredentialMissing reports that no usable bearer credential exists.
	ErrCredentialMissing = &AppError{
		Code:    "CREDENTIAL_MISSING",
		Message: "No usable credential available",
	}

	// ErrMalformedFrame reports an inbound push frame that could not be decoded.
	ErrMalformedFrame = &AppError{
		Code:    "MALFORMED_FRAME",
		Message: "Malformed push frame",
	}

	// ErrHistoryStatus reports a non-2xx response from the history API.
	ErrHistoryStatus = &AppError{
		Code:    "HISTORY_STATUS",
		Message: "History API returned an unexpected status",
	}

	// ErrInvalidPage reports a negative page index.
	ErrInvalidPage = &AppError{
		Code:    "INVALID_PAGE",
		Message: "Page index must not be negative",
	}
)

// New builds a new application error with the provided metadata.
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap turns any error into an AppError while keeping the original error for logging.
func Wrap(err error, message string) *AppError {
	return &AppError{
		Code:     "INTERNAL_ERROR",
		Message:  message,
		Internal: err,
	}
}

// FromError converts a generic error into an AppError.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	return Wrap(err, "Unexpected error")
}
