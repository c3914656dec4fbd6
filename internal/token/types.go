package token

import (
	"fmt"
	"slices"
	"time"
)

// Permission is an action a drop token can authorize on its artifacts.
type Permission string

const (
	PermissionRead     Permission = "read"
	PermissionWrite    Permission = "write"
	PermissionDownload Permission = "download"
	PermissionPreview  Permission = "preview"
)

// AllPermissions lists every permission a token may carry.
var AllPermissions = []Permission{PermissionRead, PermissionWrite, PermissionDownload, PermissionPreview}

// ParsePermission converts a string to a Permission, rejecting unknown values.
func ParsePermission(s string) (Permission, error) {
	p := Permission(s)
	if !slices.Contains(AllPermissions, p) {
		return "", fmt.Errorf("%w: %q", ErrUnknownPermission, s)
	}
	return p, nil
}

// Status is the lifecycle state of a drop token.
type Status string

const (
	StatusActive   Status = "active"
	StatusRevoked  Status = "revoked"
	StatusExpired  Status = "expired"
	StatusConsumed Status = "consumed"
)

// IsTerminal reports whether no transition can bring the token back to active.
func (s Status) IsTerminal() bool {
	return s != StatusActive
}

// Scope is the immutable authorization envelope of a token.
type Scope struct {
	TenantID       string       `json:"tenant_id"`
	WorkspaceID    string       `json:"workspace_id,omitempty"`
	ProjectID      string       `json:"project_id,omitempty"`
	ArtifactRefs   []string     `json:"artifact_refs"`
	Permissions    []Permission `json:"permissions"`
	DeliveryMethod string       `json:"delivery_method"`
	PartnerID      string       `json:"partner_id,omitempty"`
	WebhookURL     string       `json:"webhook_url,omitempty"`
}

// HasPermission reports whether p is granted by the scope.
func (s Scope) HasPermission(p Permission) bool {
	return slices.Contains(s.Permissions, p)
}

// HasArtifact reports whether ref is covered by the scope.
func (s Scope) HasArtifact(ref string) bool {
	return slices.Contains(s.ArtifactRefs, ref)
}

func (s Scope) clone() Scope {
	s.ArtifactRefs = slices.Clone(s.ArtifactRefs)
	s.Permissions = slices.Clone(s.Permissions)
	return s
}

// SessionRestrictions are optional per-token usage constraints.
type SessionRestrictions struct {
	// MaxAccessCount bounds successful accesses (nil for unlimited).
	MaxAccessCount     *int     `json:"max_access_count,omitempty"`
	CurrentAccessCount int      `json:"current_access_count"`
	IPAllowlist        []string `json:"ip_allowlist,omitempty"`
}

// Exhausted reports whether the access budget is used up.
func (r *SessionRestrictions) Exhausted() bool {
	if r == nil || r.MaxAccessCount == nil {
		return false
	}
	return r.CurrentAccessCount >= *r.MaxAccessCount
}

// AllowsIP reports whether ip passes the allowlist. An empty allowlist or an
// empty ip always passes.
func (r *SessionRestrictions) AllowsIP(ip string) bool {
	if r == nil || len(r.IPAllowlist) == 0 || ip == "" {
		return true
	}
	return slices.Contains(r.IPAllowlist, ip)
}

func (r *SessionRestrictions) clone() *SessionRestrictions {
	if r == nil {
		return nil
	}
	c := *r
	if r.MaxAccessCount != nil {
		n := *r.MaxAccessCount
		c.MaxAccessCount = &n
	}
	c.IPAllowlist = slices.Clone(r.IPAllowlist)
	return &c
}

// DropToken is a scoped, time-boxed bearer credential.
type DropToken struct {
	ID                  string               `json:"id"`
	Scope               Scope                `json:"scope"`
	IssuedAt            time.Time            `json:"issued_at"`
	ExpiresAt           time.Time            `json:"expires_at"`
	IssuedBy            string               `json:"issued_by"`
	Status              Status               `json:"status"`
	SessionRestrictions *SessionRestrictions `json:"session_restrictions,omitempty"`
	AuditTrail          []string             `json:"audit_trail"`
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (t DropToken) Clone() DropToken {
	t.Scope = t.Scope.clone()
	t.SessionRestrictions = t.SessionRestrictions.clone()
	t.AuditTrail = slices.Clone(t.AuditTrail)
	if t.AuditTrail == nil {
		t.AuditTrail = []string{}
	}
	return t
}

// AccessResult is the outcome recorded for an access attempt.
type AccessResult string

const (
	ResultAllowed     AccessResult = "allowed"
	ResultDenied      AccessResult = "denied"
	ResultRateLimited AccessResult = "rate_limited"
)

// AccessLogEntry records a single access attempt. Entries are immutable once
// created.
type AccessLogEntry struct {
	ID          string       `json:"id"`
	TokenID     string       `json:"token_id"`
	AccessorID  string       `json:"accessor_id"`
	Action      Permission   `json:"action"`
	ArtifactRef string       `json:"artifact_ref"`
	Timestamp   time.Time    `json:"timestamp"`
	SourceIP    string       `json:"source_ip,omitempty"`
	Result      AccessResult `json:"result"`
	Reason      string       `json:"reason,omitempty"`
}

// Verdict is the outcome of evaluating a token's validity.
type Verdict struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}
