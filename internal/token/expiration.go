package token

import (
	"errors"
	"time"
)

var (
	// ErrInvalidDuration is returned when a lifetime is zero or negative
	ErrInvalidDuration = errors.New("invalid duration")
)

// Common lifetimes
const (
	FifteenMinutes = 15 * time.Minute
	OneDay         = 24 * time.Hour
)

// ExpiringSoon is the remaining lifetime below which display helpers flag a
// token as about to expire.
const ExpiringSoon = time.Minute

// ClampLifetime returns requested bounded by max. A non-positive max disables
// the bound. The result may still be non-positive; callers must reject it.
func ClampLifetime(requested, max time.Duration) time.Duration {
	if max > 0 && requested > max {
		return max
	}
	return requested
}

// CalculateExpiration returns the expiry for a token issued at start with the
// given lifetime. Drop tokens always expire, so a non-positive lifetime is an error.
func CalculateExpiration(start time.Time, lifetime time.Duration) (time.Time, error) {
	if lifetime <= 0 {
		return time.Time{}, ErrInvalidDuration
	}
	return start.Add(lifetime), nil
}

// IsExpired reports whether expiresAt has been reached at now.
func IsExpired(expiresAt, now time.Time) bool {
	return !now.Before(expiresAt)
}

// TimeUntilExpiration returns the duration until expiry, or 0 if already expired.
func TimeUntilExpiration(expiresAt, now time.Time) time.Duration {
	until := expiresAt.Sub(now)
	if until < 0 {
		return 0
	}
	return until
}

// RemainingSeconds returns the whole seconds left before expiry, never less
// than one. It is the lifetime handed to a rotated replacement token.
func RemainingSeconds(expiresAt, now time.Time) int64 {
	secs := int64(expiresAt.Sub(now) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// ExpiresWithin checks if the token will expire within the given duration.
func ExpiresWithin(expiresAt, now time.Time, d time.Duration) bool {
	in := expiresAt.Sub(now)
	return in >= 0 && in <= d
}

// FormatExpirationTime returns a human-readable string for the expiration time.
func FormatExpirationTime(expiresAt, now time.Time) string {
	if IsExpired(expiresAt, now) {
		return "Expired"
	}
	return expiresAt.Format(time.RFC3339)
}
