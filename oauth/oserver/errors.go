package oserver

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is an OAuth2 protocol error. It renders as
// {"error": Code, "error_description": Description}.
type Error struct {
	Code        string
	Description string
	Status      int
	Err         error
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code, so callers can test
// errors.Is(err, ErrInvalidGrant).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrInvalidRequest          = &Error{Code: "invalid_request", Status: http.StatusBadRequest}
	ErrInvalidClient           = &Error{Code: "invalid_client", Status: http.StatusUnauthorized}
	ErrInvalidGrant            = &Error{Code: "invalid_grant", Status: http.StatusBadRequest}
	ErrUnsupportedGrantType    = &Error{Code: "unsupported_grant_type", Status: http.StatusBadRequest}
	ErrUnsupportedResponseType = &Error{Code: "unsupported_response_type", Status: http.StatusBadRequest}
	ErrAccessDenied            = &Error{Code: "access_denied", Status: http.StatusForbidden}
	ErrInvalidToken            = &Error{Code: "invalid_token", Status: http.StatusUnauthorized}
	ErrInsufficientScope       = &Error{Code: "insufficient_scope", Status: http.StatusForbidden}
	ErrLoginRequired           = &Error{Code: "login_required", Status: http.StatusUnauthorized}
	ErrNotFound                = &Error{Code: "not_found", Status: http.StatusNotFound}
	ErrRateLimited             = &Error{Code: "rate_limit_exceeded", Status: http.StatusTooManyRequests}
	ErrUnsupportedMediaType    = &Error{Code: "unsupported_media_type", Status: http.StatusUnsupportedMediaType}
	ErrServer                  = &Error{Code: "server_error", Status: http.StatusInternalServerError}
)

// newError copies base with a description.
func newError(base *Error, format string, args ...any) *Error {
	return &Error{Code: base.Code, Status: base.Status, Description: fmt.Sprintf(format, args...)}
}

// serverError wraps an unexpected failure. The cause is kept for logging but
// never rendered to the caller.
func serverError(op string, err error) *Error {
	return &Error{Code: ErrServer.Code, Status: ErrServer.Status, Err: fmt.Errorf("%s: %w", op, err)}
}

// AsError converts any error into an *Error, treating unknown errors as
// server_error.
func AsError(err error) *Error {
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return &Error{Code: ErrServer.Code, Status: ErrServer.Status, Err: err}
}
