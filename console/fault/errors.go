package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// TransportError is a network failure or timeout talking to the server.
// It is the only retryable class.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ValidationError rejects user input before any request is made.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// PolicyError is raised when a lifecycle forbids the requested action.
// It is decided locally; no request reaches the server.
type PolicyError struct {
	Kind   string
	ID     string
	State  string
	Action string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("cannot %s %s %s: status is %s", e.Action, e.Kind, e.ID, e.State)
}

// ServerError carries the server's message verbatim.
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("server error (%d): %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// SessionExpiredError means the server answered 401.
type SessionExpiredError struct{}

func (e *SessionExpiredError) Error() string { return "session expired" }

func IsTransport(err error) bool {
	var target *TransportError
	return errors.As(err, &target)
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsPolicy(err error) bool {
	var target *PolicyError
	return errors.As(err, &target)
}

// AsServer returns the ServerError in err's chain, if any.
func AsServer(err error) (*ServerError, bool) {
	var target *ServerError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

func IsServer(err error) bool {
	_, ok := AsServer(err)
	return ok
}

func IsSessionExpired(err error) bool {
	var target *SessionExpiredError
	return errors.As(err, &target)
}

// Retryable reports whether repeating the same request may succeed.
func Retryable(err error) bool {
	return IsTransport(err)
}

// Class names the taxonomy bucket of err for metrics and logs.
func Class(err error) string {
	switch {
	case err == nil:
		return "none"
	case IsSessionExpired(err):
		return "session"
	case IsTransport(err):
		return "transport"
	case IsValidation(err):
		return "validation"
	case IsPolicy(err):
		return "policy"
	case IsServer(err):
		return "server"
	default:
		return "internal"
	}
}

// HTTPStatus maps err onto the status code the view adapter answers with.
func HTTPStatus(err error) int {
	if se, ok := AsServer(err); ok {
		return se.StatusCode
	}
	switch Class(err) {
	case "session":
		return http.StatusUnauthorized
	case "transport":
		return http.StatusBadGateway
	case "validation":
		return http.StatusBadRequest
	case "policy":
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
