package auth

import (
	"errors"
	"fmt"
)

// Authentication failures returned by Service.Authenticate. Callers treat all
// of them as "unauthenticated"; the distinction exists for logs and metrics.
var (
	ErrNoToken          = errors.New("authorization required")
	ErrRevoked          = errors.New("token revoked")
	ErrInvalidToken     = errors.New("invalid token")
	ErrIdentityNotFound = errors.New("user not found")

	ErrBadSignature = fmt.Errorf("%w: bad signature", ErrInvalidToken)
	ErrTokenExpired = fmt.Errorf("%w: expired", ErrInvalidToken)

	// ErrRevocationUnavailable means the revocation lookup itself failed.
	// The gate fails closed on it.
	ErrRevocationUnavailable = errors.New("revocation store unavailable")
)

// FailureKind is a short label for an authentication error, used in logs and metrics.
func FailureKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoToken):
		return "no_token"
	case errors.Is(err, ErrRevoked):
		return "revoked"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrInvalidToken):
		return "invalid"
	case errors.Is(err, ErrIdentityNotFound):
		return "not_found"
	case errors.Is(err, ErrRevocationUnavailable):
		return "store"
	default:
		return "internal"
	}
}
