package token

import (
	"fmt"
	"strings"
	"time"

	"github.com/sofatutor/droptoken/internal/obfuscate"
)

// ObfuscateID partially obfuscates a token identifier for logs and display.
func ObfuscateID(id string) string { return obfuscate.ObfuscateID(id) }

// TokenInfo represents information about a token for display purposes
type TokenInfo struct {
	ID             string    `json:"id"`
	ObfuscatedID   string    `json:"obfuscated_id"`
	TenantID       string    `json:"tenant_id"`
	Status         Status    `json:"status"`
	IssuedAt       time.Time `json:"issued_at"`
	IssuedBy       string    `json:"issued_by"`
	ExpiresAt      time.Time `json:"expires_at"`
	TimeRemaining  string    `json:"time_remaining,omitempty"`
	ExpiringSoon   bool      `json:"expiring_soon,omitempty"`
	Artifacts      []string  `json:"artifacts"`
	Permissions    []string  `json:"permissions"`
	AccessCount    int       `json:"access_count"`
	MaxAccessCount *int      `json:"max_access_count,omitempty"`
	AuditEvents    int       `json:"audit_events"`
}

// GetTokenInfo creates a TokenInfo struct with token details as seen at now.
func GetTokenInfo(t DropToken, now time.Time) TokenInfo {
	info := TokenInfo{
		ID:           t.ID,
		ObfuscatedID: ObfuscateID(t.ID),
		TenantID:     t.Scope.TenantID,
		Status:       t.Status,
		IssuedAt:     t.IssuedAt,
		IssuedBy:     t.IssuedBy,
		ExpiresAt:    t.ExpiresAt,
		Artifacts:    t.Scope.ArtifactRefs,
		AuditEvents:  len(t.AuditTrail),
	}
	for _, p := range t.Scope.Permissions {
		info.Permissions = append(info.Permissions, string(p))
	}
	if r := t.SessionRestrictions; r != nil {
		info.AccessCount = r.CurrentAccessCount
		info.MaxAccessCount = r.MaxAccessCount
	}
	if t.Status == StatusActive && !IsExpired(t.ExpiresAt, now) {
		info.TimeRemaining = formatDuration(TimeUntilExpiration(t.ExpiresAt, now))
		info.ExpiringSoon = ExpiresWithin(t.ExpiresAt, now, ExpiringSoon)
	}
	return info
}

// FormatTokenInfo formats token information as a human-readable string
func FormatTokenInfo(t DropToken, now time.Time) string {
	info := GetTokenInfo(t, now)

	var sb strings.Builder
	sb.WriteString("Token: " + info.ObfuscatedID + "\n")
	sb.WriteString("Tenant: " + info.TenantID + "\n")
	sb.WriteString("Status: " + string(info.Status) + "\n")
	sb.WriteString("Issued: " + info.IssuedAt.Format(time.RFC3339) + " by " + info.IssuedBy + "\n")
	sb.WriteString("Expires: " + FormatExpirationTime(info.ExpiresAt, now))
	if info.TimeRemaining != "" {
		sb.WriteString(" (" + info.TimeRemaining + " remaining)")
	}
	if info.ExpiringSoon {
		sb.WriteString(" [expiring soon]")
	}
	sb.WriteString("\n")
	sb.WriteString("Artifacts: " + strings.Join(info.Artifacts, ", ") + "\n")
	sb.WriteString("Permissions: " + strings.Join(info.Permissions, ", ") + "\n")

	if info.MaxAccessCount != nil {
		sb.WriteString(fmt.Sprintf("Accesses: %d / %d\n", info.AccessCount, *info.MaxAccessCount))
	} else {
		sb.WriteString(fmt.Sprintf("Accesses: %d / unlimited\n", info.AccessCount))
	}
	sb.WriteString(fmt.Sprintf("Audit events: %d\n", info.AuditEvents))

	return sb.String()
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%d seconds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%d minutes", int(d.Minutes()))
	} else if d < 24*time.Hour {
		return fmt.Sprintf("%d hours", int(d.Hours()))
	}
	return fmt.Sprintf("%d days", int(d.Hours()/24))
}
