package engine

import (
	"errors"
)

var (
	// ErrRateLimitExceeded is returned by Issue when the tenant's issuance quota is spent
	ErrRateLimitExceeded = errors.New("issuance rate limit exceeded")

	// ErrInvalidLifetime is returned when the clamped lifetime is not positive
	ErrInvalidLifetime = errors.New("lifetime must be positive")

	// ErrEmptyScope is returned when no artifact reference was requested
	ErrEmptyScope = errors.New("artifact set must not be empty")

	// ErrEmptyPermissions is returned when no permission was requested
	ErrEmptyPermissions = errors.New("permission set must not be empty")

	// ErrInvalidPermission is returned for permission values outside the enumeration
	ErrInvalidPermission = errors.New("invalid permission")

	// ErrTokenNotFound is returned by Revoke and Rotate for unknown ids
	ErrTokenNotFound = errors.New("token not found")
)

// ErrorKind classifies an admission failure.
type ErrorKind string

const (
	KindRateLimited       ErrorKind = "rate_limit_exceeded"
	KindInvalidLifetime   ErrorKind = "invalid_lifetime"
	KindEmptyScope        ErrorKind = "empty_scope"
	KindEmptyPermissions  ErrorKind = "empty_permissions"
	KindInvalidPermission ErrorKind = "invalid_permission"
)

// AdmissionError is returned by Issue when a request is rejected before any
// state is created. It unwraps to one of the Err* sentinels.
type AdmissionError struct {
	Kind ErrorKind
	Err  error
}

func (e *AdmissionError) Error() string {
	return "admission rejected (" + string(e.Kind) + "): " + e.Err.Error()
}

func (e *AdmissionError) Unwrap() error {
	return e.Err
}

func admissionError(kind ErrorKind, err error) error {
	return &AdmissionError{Kind: kind, Err: err}
}

// IsAdmissionError reports whether err is an admission failure and returns its kind.
func IsAdmissionError(err error) (ErrorKind, bool) {
	var ae *AdmissionError
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return "", false
}
