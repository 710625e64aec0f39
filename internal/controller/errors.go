package controller

import (
	"errors"
	"net/http"
)

// HTTPError is an error with a response status. Two HTTPErrors match under
// errors.Is when their codes are equal.
type HTTPError struct {
	Code        int
	Name        string
	Description string
	// Causes holds what went wrong underneath a server error.
	Causes []error
}

func (e *HTTPError) Error() string { return e.Name + ": " + e.Description }

func (e *HTTPError) Unwrap() []error { return e.Causes }

func (e *HTTPError) Is(target error) bool {
	t, ok := target.(*HTTPError)
	return ok && t.Code == e.Code
}

// NewHTTPError names the error after the status text for code.
func NewHTTPError(code int, description string) *HTTPError {
	return &HTTPError{Code: code, Name: http.StatusText(code), Description: description}
}

var (
	ErrNotFound      = NewHTTPError(http.StatusNotFound, "No action found")
	ErrNotAcceptable = NewHTTPError(http.StatusNotAcceptable, "The requested format is not available")
	ErrServer        = NewHTTPError(http.StatusInternalServerError, "An internal error occurred")
)

// serverError wraps causes in a fresh 500.
func serverError(causes ...error) *HTTPError {
	e := *ErrServer
	e.Causes = causes
	return &e
}

// asHTTPError keeps HTTPErrors and turns anything else into a server error.
func asHTTPError(err error) *HTTPError {
	var he *HTTPError
	if errors.As(err, &he) {
		return he
	}
	return serverError(err)
}
