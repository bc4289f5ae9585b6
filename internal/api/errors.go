package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a non-2xx response from the calendar API. Status is the HTTP
// status code; Message is the server's error message when one was
// present in the body, otherwise the generic status text.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

// StatusCode extracts the HTTP status from err. Returns 0 when err is
// not an API error (e.g. a transport failure).
func StatusCode(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// IsStatus reports whether err is an API error with the given status.
func IsStatus(err error, status int) bool {
	return StatusCode(err) == status
}

// IsAuthFailure reports whether err is a 401 or 403 response.
func IsAuthFailure(err error) bool {
	code := StatusCode(err)
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}
