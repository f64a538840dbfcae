// Package errors carries the typed errors shared by the API, the outbox relay
// and the saga engine. The Code of an error decides its HTTP status, whether
// the caller may try again and how much of it a client gets to see.
package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation    Code = "VALIDATION_ERROR"
	CodeNotFound      Code = "NOT_FOUND"
	CodeConflict      Code = "CONFLICT"
	CodeStateConflict Code = "STATE_CONFLICT"
	CodeInternal      Code = "INTERNAL_ERROR"
	CodeDependency    Code = "DEPENDENCY_ERROR"

	// Event store and replay.
	CodeConcurrencyConflict Code = "CONCURRENCY_CONFLICT"
	CodeUnknownEventType    Code = "UNKNOWN_EVENT_TYPE"

	// Outbox relay and sagas.
	CodeTransportFailure     Code = "TRANSPORT_FAILURE"
	CodeStepExecutionFailure Code = "STEP_EXECUTION_FAILURE"
	CodeCompensationFailure  Code = "COMPENSATION_FAILURE"
	CodeTimeoutExceeded      Code = "TIMEOUT_EXCEEDED"
)

// Metadata is what a Code means outside the process.
type Metadata struct {
	HTTPStatus int
	// Retryable tells API clients and saga participants that the same
	// request may succeed later without changes.
	Retryable      bool
	PublicMessage  string
	DetailsAllowed bool
}

func describe(status int, retryable, details bool, public string) Metadata {
	return Metadata{HTTPStatus: status, Retryable: retryable, PublicMessage: public, DetailsAllowed: details}
}

var metadataByCode = map[Code]Metadata{
	CodeValidation:    describe(http.StatusBadRequest, false, true, "validation failed"),
	CodeNotFound:      describe(http.StatusNotFound, false, false, "resource not found"),
	CodeConflict:      describe(http.StatusConflict, false, false, "conflict detected"),
	CodeStateConflict: describe(http.StatusUnprocessableEntity, false, true, "state transition disallowed"),
	CodeInternal:      describe(http.StatusInternalServerError, true, false, "internal server error"),
	CodeDependency:    describe(http.StatusServiceUnavailable, true, true, "dependency unavailable"),

	// A stale expectedVersion is fixed by reloading the aggregate.
	CodeConcurrencyConflict: describe(http.StatusConflict, true, true, "stale expected version; reload and retry"),
	// Replaying a stream with an unregistered event type never gets better.
	CodeUnknownEventType: describe(http.StatusInternalServerError, false, true, "event stream contains an unknown event type"),

	CodeTransportFailure:     describe(http.StatusServiceUnavailable, true, false, "message transport unavailable"),
	CodeStepExecutionFailure: describe(http.StatusUnprocessableEntity, false, true, "saga step failed"),
	CodeCompensationFailure:  describe(http.StatusInternalServerError, true, true, "saga compensation failed"),
	CodeTimeoutExceeded:      describe(http.StatusGatewayTimeout, false, true, "saga timed out"),
}

// MetadataFor falls back to CodeInternal for codes it does not know.
func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

// Error is a coded error with an internal message, optional client-visible
// details and an optional cause.
type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

// Wrap attaches code and message to err. A nil err yields a plain New.
func Wrap(code Code, err error, message string) *Error {
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

// WithDetails sets the payload returned to clients when the code allows it.
func (e *Error) WithDetails(details any) *Error {
	if e != nil {
		e.details = details
	}
	return e
}

func (e *Error) Error() string {
	switch {
	case e == nil:
		return ""
	case e.cause == nil:
		return fmt.Sprintf("%s: %s", e.code, e.message)
	default:
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// As returns the outermost *Error in err's chain, or nil.
func As(err error) *Error {
	var typed *Error
	if err != nil && stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// IsCode reports whether any typed error in the chain carries code.
func IsCode(err error, code Code) bool {
	for typed := As(err); typed != nil; typed = As(typed.cause) {
		if typed.code == code {
			return true
		}
	}
	return false
}

// IsRetryable reports the retry semantics of the outermost typed error.
// Untyped errors are treated like CodeInternal and may be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return MetadataFor(As(err).Code()).Retryable
}
