// Package kansoku provides a Go client for the Kansoku trace collector API.
package kansoku

import (
	"errors"
	"fmt"
)

// Error represents an error from the Kansoku API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("kansoku: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	return hasStatus(err, 404)
}

// IsInvalidInput returns true if the server rejected the payload (400 or 413).
func IsInvalidInput(err error) bool {
	return hasStatus(err, 400) || hasStatus(err, 413)
}

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool {
	return hasStatus(err, 429)
}

// IsUnavailable returns true if the error is a 503. The collector returns it
// when its ingestion buffer is full; the request can be retried.
func IsUnavailable(err error) bool {
	return hasStatus(err, 503)
}

func hasStatus(err error, status int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == status
	}
	return false
}
