// Package obfuscate centralizes redaction helpers for identifiers that are
// bearer credentials and must not appear in logs in full.
package obfuscate

import (
	"strings"
)

// ObfuscateTokenGeneric obfuscates arbitrary token-like strings for display/logging.
// - length <= 4  → all asterisks of same length
// - 5..12        → keep first 2 characters, replace the rest with asterisks
// - > 12         → keep first 8 characters, then "...", then last 4 characters
func ObfuscateTokenGeneric(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	if len(s) <= 12 {
		return s[:2] + strings.Repeat("*", len(s)-2)
	}
	return s[:8] + "..." + s[len(s)-4:]
}

// ObfuscateID obfuscates identifiers of the form {prefix}_{time}_{random}.
// The prefix and time segments stay readable for debugging; only the first
// and last 4 characters of the random segment are kept.
// Strings without that shape fall back to ObfuscateTokenGeneric.
func ObfuscateID(id string) string {
	idx := strings.LastIndex(id, "_")
	if idx <= 0 || strings.Count(id, "_") != 2 {
		return ObfuscateTokenGeneric(id)
	}
	head, rest := id[:idx+1], id[idx+1:]
	if len(rest) <= 8 {
		return head + strings.Repeat("*", len(rest))
	}
	return head + rest[:4] + strings.Repeat("*", len(rest)-8) + rest[len(rest)-4:]
}
