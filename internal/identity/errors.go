package identity

import "errors"

var (
	// ErrInvalidCredentials is returned for every login or credential-exchange
	// failure, regardless of which check failed. Callers must not be able to
	// tell an unknown identifier from a wrong secret.
	ErrInvalidCredentials = errors.New("identity: invalid credentials")

	// ErrInvalidToken is returned uniformly for refresh, verification, reset
	// and invitation tokens that are unknown, consumed, or expired.
	ErrInvalidToken = errors.New("identity: invalid or expired token")

	ErrUnauthorized = errors.New("identity: unauthorized")
	ErrForbidden    = errors.New("identity: forbidden")
	ErrNotFound     = errors.New("identity: not found")
	ErrConflict     = errors.New("identity: already exists")
	ErrInvalidInput = errors.New("identity: invalid input")
)
