// Package apperr defines the error kinds surfaced by gradeflow and their
// mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error.
type Kind int

const (
	KindInternal Kind = iota
	// KindConfiguration means the grading server URL (or another required
	// setting) is missing.
	KindConfiguration
	// KindRemote is a non-2xx answer from the grading server.
	KindRemote
	// KindTimeout is a grading server call that ran past its budget.
	KindTimeout
	KindValidation
	KindNotFound
	KindConflict
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindRemote:
		return "remote"
	case KindTimeout:
		return "timeout"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindPersistence:
		return "persistence"
	}
	return "internal"
}

// Error carries a Kind plus optional details for the client.
type Error struct {
	Kind    Kind
	Message string
	Details any
	// StatusCode is the upstream HTTP status for KindRemote.
	StatusCode int
	// Body is the upstream response body for KindRemote.
	Body string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String() + " error"
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Configuration reports a missing or invalid setting.
func Configuration(format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Message: fmt.Sprintf(format, args...)}
}

// Remote reports a non-2xx response from the grading server.
func Remote(statusCode int, body string) *Error {
	return &Error{
		Kind:       KindRemote,
		Message:    fmt.Sprintf("grading server returned HTTP %d", statusCode),
		StatusCode: statusCode,
		Body:       body,
	}
}

// Timeout reports a call that exceeded its time budget.
func Timeout(op string, err error) *Error {
	return &Error{Kind: KindTimeout, Message: op + " timed out", Err: err}
}

// Validation reports malformed input.
func Validation(msg string, details any) *Error {
	return &Error{Kind: KindValidation, Message: msg, Details: details}
}

// NotFound reports an unknown entity.
func NotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %s not found", entity, id)}
}

// Conflict reports an operation refused in the current state.
func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// Persistence wraps a failed write or transaction.
func Persistence(op string, err error) *Error {
	return &Error{Kind: KindPersistence, Message: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries kind k.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// IsExternal reports whether err came from talking to the grading server.
func IsExternal(err error) bool {
	switch KindOf(err) {
	case KindConfiguration, KindRemote, KindTimeout:
		return true
	}
	return false
}

// HTTPStatus maps err onto a response status code.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindRemote:
		if e.StatusCode >= 400 && e.StatusCode <= 599 {
			return e.StatusCode
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
