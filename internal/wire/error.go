package wire

import (
	"errors"
	"fmt"
)

// Error is a command failure carrying a status from the table.
type Error struct {
	Status  Status
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithCause returns a copy of the error with the given cause.
func (e *Error) WithCause(cause error) *Error {
	return &Error{Status: e.Status, Message: e.Message, Cause: cause}
}

func Errorf(status Status, format string, args ...any) *Error {
	return &Error{Status: status, Message: fmt.Sprintf(format, args...)}
}

// StatusOf maps err onto the status table. Errors that do not carry a known status
// are UnknownError.
func StatusOf(err error) Status {
	if err == nil {
		return Success
	}
	var we *Error
	if errors.As(err, &we) && we.Status != Success && we.Status.Known() {
		return we.Status
	}
	return UnknownError
}
