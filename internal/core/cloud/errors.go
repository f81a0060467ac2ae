package cloud

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTransient marks network failures and 5xx responses. The client
	// retries these internally before surfacing them.
	ErrTransient = errors.New("cloud: transient network error")

	// ErrRateLimited marks HTTP 429 responses. Retried with a longer delay.
	ErrRateLimited = errors.New("cloud: rate limited")

	// ErrNoUser is returned when neither the credential nor config carries a user id.
	ErrNoUser = errors.New("cloud: no user id for site listing")

	// errNoList reports a list response with neither a bare array nor the
	// expected key.
	errNoList = errors.New("response has no list")
)

// APIError is a non-2xx response from the vendor API.
type APIError struct {
	Method     string
	Path       string
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("cloud: %s %s: HTTP %d: %s", e.Method, e.Path, e.Status, e.Body)
	}
	return fmt.Sprintf("cloud: %s %s: HTTP %d", e.Method, e.Path, e.Status)
}

// Unwrap classifies the response so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	switch {
	case e.Status == 429:
		return ErrRateLimited
	case e.Status >= 500:
		return ErrTransient
	default:
		return nil
	}
}
