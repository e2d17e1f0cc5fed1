// Package common defines shared constants and sentinel errors used across
// client and server layers. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound      = errors.New("not found")
	ErrorAlreadyExists = errors.New("already exists")

	// Service-level errors (generic/internal flow control).
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized")
	ErrorValidation   = errors.New("validation error")

	// Auth errors (invalid or malformed access token).
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrTokenRevoked = errors.New("token revoked")

	// Refresh token rotation failures.
	ErrMalformedToken = errors.New("malformed refresh token")
	ErrTokenNotFound  = errors.New("refresh token not found")
	ErrReuseDetected  = errors.New("refresh token reuse detected")

	// ErrLedgerConflict means a freshly generated token id already exists.
	// It is never retried.
	ErrLedgerConflict = errors.New("refresh token ledger conflict")
)
