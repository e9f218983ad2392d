// Package errors provides the typed error kinds surfaced by the config
// service and their HTTP status mapping.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// FieldError carries one field-level validation failure.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (f FieldError) Error() string {
	if f.Field == "" {
		return f.Message
	}
	return fmt.Sprintf("%s: %s", f.Field, f.Message)
}

// Error is the typed error returned by the service layer. Kind identifies the
// taxonomy bucket and Status the HTTP status it maps to.
type Error struct {
	Kind    string       `json:"kind"`
	Status  int          `json:"-"`
	Message string       `json:"message"`
	Fields  []FieldError `json:"fields,omitempty"`

	cause error
}

var _ error = (*Error)(nil)

func newKind(kind string, status int) *Error {
	return &Error{Kind: kind, Status: status, Message: http.StatusText(status)}
}

var (
	ValidationFailed = newKind("ValidationFailed", http.StatusBadRequest)
	NotFound         = newKind("NotFound", http.StatusNotFound)
	Conflict         = newKind("Conflict", http.StatusConflict)
	Internal         = newKind("InternalError", http.StatusInternalServerError)
)

// Error implements error
func (e *Error) Error() string {
	str := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.cause != nil {
		str += fmt.Sprintf(" (%s)", e.cause)
	}
	return str
}

// Explain returns a copy of the error with the given message.
func (e *Error) Explain(message string, args ...any) *Error {
	err := *e
	err.Message = fmt.Sprintf(message, args...)
	return &err
}

// Wrap returns a copy of the error with the given cause.
func (e *Error) Wrap(cause error) *Error {
	err := *e
	err.cause = cause
	return &err
}

// WithFields returns a copy of the error carrying field-level failures.
func (e *Error) WithFields(fields []FieldError) *Error {
	err := *e
	err.Fields = fields
	return &err
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches errors of the same kind, so errors.Is(err, NotFound) works on
// any NotFound regardless of message.
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	if other, ok := target.(*Error); ok {
		return other.Kind == e.Kind
	}
	if e.cause != nil {
		return Is(e.cause, target)
	}
	return false
}

// StatusOf maps any error to the HTTP status it should produce.
func StatusOf(err error) int {
	var e *Error
	if As(err, &e) {
		return e.Status
	}
	return http.StatusInternalServerError
}
