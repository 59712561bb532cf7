package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies service errors so callers can branch on the
// failure class instead of matching message strings.
type ErrorKind string

const (
	ErrInvalidInput      ErrorKind = "INVALID_INPUT"
	ErrNotFound          ErrorKind = "NOT_FOUND"
	ErrDuplicateID       ErrorKind = "DUPLICATE_ID"
	ErrInvalidTransition ErrorKind = "INVALID_TRANSITION"
	ErrJobNotCompleted   ErrorKind = "JOB_NOT_COMPLETED"
	ErrQueueFull         ErrorKind = "QUEUE_FULL"
	ErrStoreUnavailable  ErrorKind = "STORE_UNAVAILABLE"
	ErrRemoteUnavailable ErrorKind = "REMOTE_UNAVAILABLE"
	ErrCancelled         ErrorKind = "CANCELLED"
)

// Error is the service error carried across package boundaries. The
// wrapped cause stays reachable through errors.Is / errors.As.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an Error with a formatted message.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates an Error that wraps an underlying cause.
func WrapError(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind carried by err, or the empty string when err
// is not a service error.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

func IsNotFound(err error) bool {
	return IsKind(err, ErrNotFound)
}

func IsInvalidInput(err error) bool {
	return IsKind(err, ErrInvalidInput)
}

func IsInvalidTransition(err error) bool {
	return IsKind(err, ErrInvalidTransition)
}

func IsQueueFull(err error) bool {
	return IsKind(err, ErrQueueFull)
}

func IsStoreUnavailable(err error) bool {
	return IsKind(err, ErrStoreUnavailable)
}

func IsRemoteUnavailable(err error) bool {
	return IsKind(err, ErrRemoteUnavailable)
}

// FetchErrorKind classifies fetch failures reported by scraper variants.
type FetchErrorKind string

const (
	FetchTimeout     FetchErrorKind = "FETCH_TIMEOUT"
	FetchNetwork     FetchErrorKind = "FETCH_NETWORK"
	FetchHTTPError   FetchErrorKind = "FETCH_HTTP_ERROR"
	FetchUnsupported FetchErrorKind = "FETCH_UNSUPPORTED"
)

// FetchError is the uniform failure report from a scraper variant.
// Variants only classify; the executor owns the retry decision.
type FetchError struct {
	Kind       FetchErrorKind
	Retryable  bool
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.Kind == FetchHTTPError && e.Err != nil:
		return fmt.Sprintf("%s: status %d: %v", e.Kind, e.StatusCode, e.Err)
	case e.Kind == FetchHTTPError:
		return fmt.Sprintf("%s: status %d", e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError creates a classified fetch failure.
func NewFetchError(kind FetchErrorKind, retryable bool, err error) *FetchError {
	return &FetchError{Kind: kind, Retryable: retryable, Err: err}
}

// NewFetchHTTPError creates a fetch failure for a non-success HTTP
// status. 408, 429 and 5xx are retryable; other statuses are not.
func NewFetchHTTPError(statusCode int, err error) *FetchError {
	return &FetchError{
		Kind:       FetchHTTPError,
		Retryable:  RetryableStatusCode(statusCode),
		StatusCode: statusCode,
		Err:        err,
	}
}

// RetryableStatusCode reports whether an HTTP status is worth retrying.
func RetryableStatusCode(statusCode int) bool {
	switch statusCode {
	case 408, 429:
		return true
	}
	return statusCode >= 500 && statusCode < 600
}

// AsFetchError unwraps err to a *FetchError when one is present.
func AsFetchError(err error) (*FetchError, bool) {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
