package auth

import "errors"

var (
	// ErrAuthExpired is returned for every API access attempt while the
	// credential is expired. Not retryable: only a new credential clears it.
	ErrAuthExpired = errors.New("auth: credential expired")

	// ErrInvalidCredential is returned when a credential value cannot be used at all.
	ErrInvalidCredential = errors.New("auth: invalid credential")
)
