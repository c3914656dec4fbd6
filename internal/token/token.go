package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// TokenIDPrefix is the prefix for all drop token identifiers
	TokenIDPrefix = "dt"

	// AuditIDPrefix is the prefix for audit event identifiers
	AuditIDPrefix = "aud"

	// randomBytes is the entropy carried by every identifier (128 bits)
	randomBytes = 16
)

var (
	// ErrInvalidIDFormat is returned when an identifier does not follow {prefix}_{time}_{random}
	ErrInvalidIDFormat = errors.New("invalid identifier format")

	// ErrUnknownPermission is returned when a permission is not part of the enumeration
	ErrUnknownPermission = errors.New("unknown permission")
)

// GenerateID builds an identifier of the form {prefix}_{base36 unix millis}_{random}.
// The random part is 16 bytes from crypto/rand, hex encoded, so identifiers are
// not guessable even though the timestamp part is.
func GenerateID(prefix string, now time.Time) (string, error) {
	buf := make([]byte, randomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	ts := strconv.FormatInt(now.UnixMilli(), 36)
	return prefix + "_" + ts + "_" + hex.EncodeToString(buf), nil
}

// NewTokenID generates a new drop token identifier.
func NewTokenID(now time.Time) (string, error) {
	return GenerateID(TokenIDPrefix, now)
}

// NewAuditID generates a new audit event identifier.
func NewAuditID(now time.Time) (string, error) {
	return GenerateID(AuditIDPrefix, now)
}

// ValidateIDFormat checks that id was produced by GenerateID with the given prefix.
// It does not check whether the identifier exists.
func ValidateIDFormat(id, prefix string) error {
	parts := strings.Split(id, "_")
	if len(parts) != 3 || parts[0] != prefix {
		return ErrInvalidIDFormat
	}
	if _, err := strconv.ParseInt(parts[1], 36, 64); err != nil {
		return fmt.Errorf("%w: bad timestamp: %v", ErrInvalidIDFormat, err)
	}
	raw, err := hex.DecodeString(parts[2])
	if err != nil || len(raw) != randomBytes {
		return fmt.Errorf("%w: bad random suffix", ErrInvalidIDFormat)
	}
	return nil
}

// ParseIDTime extracts the generation time embedded in an identifier.
func ParseIDTime(id string) (time.Time, error) {
	parts := strings.Split(id, "_")
	if len(parts) != 3 {
		return time.Time{}, ErrInvalidIDFormat
	}
	ms, err := strconv.ParseInt(parts[1], 36, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidIDFormat, err)
	}
	return time.UnixMilli(ms), nil
}
