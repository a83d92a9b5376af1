package models

import "errors"

// ErrorCode classifies domain failures for callers and the HTTP layer.
type ErrorCode string

const (
	ErrInvalidWorkflow ErrorCode = "invalid_workflow"
	ErrNotFound        ErrorCode = "not_found"
	ErrAlreadyRunning  ErrorCode = "already_running"
	ErrAlreadyTerminal ErrorCode = "already_terminal"
	ErrNotWaiting      ErrorCode = "not_waiting"
	ErrNodeFailure     ErrorCode = "node_failure"
	ErrDeadlock        ErrorCode = "deadlock"
	ErrCancelled       ErrorCode = "cancelled"
)

// Error is a coded domain error, optionally wrapping a cause.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Code) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a coded domain error.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the domain code from err, or "" when it carries none.
func CodeOf(err error) ErrorCode {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}
