package errors

import (
	stderrors "errors"
	"fmt"
)

type ErrorType string

const (
	ErrorTypeCapacity   ErrorType = "CAPACITY"
	ErrorTypeConflict   ErrorType = "CONFLICT"
	ErrorTypeIntegrity  ErrorType = "INTEGRITY"
	ErrorTypeIO         ErrorType = "IO"
	ErrorTypeNotFound   ErrorType = "NOT_FOUND"
	ErrorTypeValidation ErrorType = "VALIDATION"
)

// Error carries the failure class so callers can decide whether to shed
// load, retry, or surface the problem.
type Error struct {
	Type    ErrorType `json:"type"`
	Op      string    `json:"op,omitempty"`
	Path    string    `json:"path,omitempty"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Path != "" {
		msg = fmt.Sprintf("%s: %s", e.Path, msg)
	}
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Capacity reports exhausted admission limits (pending changes, restore size).
func Capacity(op, message string) *Error {
	return &Error{Type: ErrorTypeCapacity, Op: op, Message: message}
}

func Conflict(op, path, message string) *Error {
	return &Error{Type: ErrorTypeConflict, Op: op, Path: path, Message: message}
}

// Integrity reports corrupt or mismatching content. Always fatal to the operation.
func Integrity(op, path, message string) *Error {
	return &Error{Type: ErrorTypeIntegrity, Op: op, Path: path, Message: message}
}

func IO(op, path string, err error) *Error {
	return &Error{Type: ErrorTypeIO, Op: op, Path: path, Message: "i/o failure", Err: err}
}

func NotFound(op, path, message string) *Error {
	return &Error{Type: ErrorTypeNotFound, Op: op, Path: path, Message: message}
}

func Validation(op, message string) *Error {
	return &Error{Type: ErrorTypeValidation, Op: op, Message: message}
}

// Is reports whether any error in err's chain is an *Error of type t.
func Is(err error, t ErrorType) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type == t
	}
	return false
}

// TypeOf returns the class of err, or "" when err is not typed.
func TypeOf(err error) ErrorType {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type
	}
	return ""
}
