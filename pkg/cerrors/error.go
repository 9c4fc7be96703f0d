package cerrors

import "fmt"

// Error pairs a Code with a human-readable message and an optional cause,
// so a single type can cross the boundary from a Host hook into the admin
// HTTP surface without re-deriving the HTTP status or retry flag at each
// layer (see handler.go).
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the registry considers this code safe to retry.
func (e *Error) Retryable() bool { return Lookup(e.Code).Retryable }

// HTTPStatus reports the status code the admin surface should respond with.
func (e *Error) HTTPStatus() int { return Lookup(e.Code).HTTPStatus }
