package token

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateID(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	id, err := NewTokenID(now)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, TokenIDPrefix+"_"))
	require.NoError(t, ValidateIDFormat(id, TokenIDPrefix))

	ts, err := ParseIDTime(id)
	require.NoError(t, err)
	assert.True(t, ts.Equal(now.Truncate(time.Millisecond)))
}

func TestGenerateID_Unique(t *testing.T) {
	now := time.Now()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id, err := NewAuditID(now)
		require.NoError(t, err)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestValidateIDFormat(t *testing.T) {
	good, err := NewTokenID(time.Now())
	require.NoError(t, err)

	tests := []struct {
		name    string
		id      string
		prefix  string
		wantErr bool
	}{
		{name: "valid", id: good, prefix: TokenIDPrefix},
		{name: "wrong prefix", id: good, prefix: AuditIDPrefix, wantErr: true},
		{name: "empty", id: "", prefix: TokenIDPrefix, wantErr: true},
		{name: "missing random", id: "dt_abc", prefix: TokenIDPrefix, wantErr: true},
		{name: "bad timestamp", id: "dt_!!_" + strings.Split(good, "_")[2], prefix: TokenIDPrefix, wantErr: true},
		{name: "short random", id: "dt_abc_AAAA", prefix: TokenIDPrefix, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIDFormat(tt.id, tt.prefix)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidIDFormat), "got %v", err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestParsePermission(t *testing.T) {
	for _, p := range AllPermissions {
		got, err := ParsePermission(string(p))
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}

	_, err := ParsePermission("admin")
	assert.ErrorIs(t, err, ErrUnknownPermission)
}

func TestDropToken_Clone(t *testing.T) {
	max := 3
	orig := DropToken{
		ID: "dt_x_y",
		Scope: Scope{
			TenantID:     "t1",
			ArtifactRefs: []string{"doc-1"},
			Permissions:  []Permission{PermissionRead},
		},
		SessionRestrictions: &SessionRestrictions{MaxAccessCount: &max, IPAllowlist: []string{"10.0.0.1"}},
		AuditTrail:          []string{"aud_1"},
	}

	c := orig.Clone()
	c.Scope.ArtifactRefs[0] = "changed"
	c.Scope.Permissions[0] = PermissionWrite
	*c.SessionRestrictions.MaxAccessCount = 99
	c.SessionRestrictions.IPAllowlist[0] = "changed"
	c.SessionRestrictions.CurrentAccessCount = 7
	c.AuditTrail[0] = "changed"

	assert.Equal(t, "doc-1", orig.Scope.ArtifactRefs[0])
	assert.Equal(t, PermissionRead, orig.Scope.Permissions[0])
	assert.Equal(t, 3, *orig.SessionRestrictions.MaxAccessCount)
	assert.Equal(t, "10.0.0.1", orig.SessionRestrictions.IPAllowlist[0])
	assert.Equal(t, 0, orig.SessionRestrictions.CurrentAccessCount)
	assert.Equal(t, "aud_1", orig.AuditTrail[0])
}

func TestDropToken_CloneNilTrail(t *testing.T) {
	c := DropToken{}.Clone()
	assert.NotNil(t, c.AuditTrail)
	assert.Nil(t, c.SessionRestrictions)
}

func TestSessionRestrictions(t *testing.T) {
	var nilR *SessionRestrictions
	assert.False(t, nilR.Exhausted())
	assert.True(t, nilR.AllowsIP("1.2.3.4"))

	max := 2
	r := &SessionRestrictions{MaxAccessCount: &max, IPAllowlist: []string{"10.0.0.1"}}
	assert.False(t, r.Exhausted())
	r.CurrentAccessCount = 2
	assert.True(t, r.Exhausted())

	assert.True(t, r.AllowsIP("10.0.0.1"))
	assert.False(t, r.AllowsIP("10.0.0.2"))
	assert.True(t, r.AllowsIP(""), "missing ip skips the allowlist")

	unlimited := &SessionRestrictions{CurrentAccessCount: 1000}
	assert.False(t, unlimited.Exhausted())
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusActive.IsTerminal())
	assert.True(t, StatusRevoked.IsTerminal())
	assert.True(t, StatusExpired.IsTerminal())
	assert.True(t, StatusConsumed.IsTerminal())
}
