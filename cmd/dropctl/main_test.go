package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sofatutor/droptoken/internal/audit"
	"github.com/sofatutor/droptoken/internal/engine"
	"github.com/sofatutor/droptoken/internal/token"
)

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("DATABASE_PATH", filepath.Join(dir, "droptoken.db"))
	t.Setenv("RATE_LIMIT_BACKEND", "memory")
	t.Setenv("AUDIT_STREAM_ENABLED", "false")
	t.Setenv("AUDIT_LOG_FILE", filepath.Join(dir, "audit", "audit.jsonl"))
	t.Setenv("AUDIT_CREATE_DIR", "true")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("LOG_FILE", filepath.Join(dir, "dropctl.log"))
	t.Setenv("EXPIRY_SWEEP_INTERVAL", "0")
	return dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env")}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func issueToken(t *testing.T, extra ...string) token.DropToken {
	t.Helper()
	args := append([]string{"issue", "--json", "--tenant", "T1", "--artifact", "doc-1", "--permission", "read", "--ttl", "1m", "--issued-by", "alice"}, extra...)
	out, err := run(t, args...)
	require.NoError(t, err, out)

	var tok token.DropToken
	require.NoError(t, json.Unmarshal([]byte(out), &tok))
	return tok
}

func TestCLI_IssueAccessRevoke(t *testing.T) {
	dir := setupEnv(t)

	tok := issueToken(t, "--max-access", "1")
	assert.Equal(t, token.StatusActive, tok.Status)
	require.NotNil(t, tok.SessionRestrictions)

	out, err := run(t, "access", tok.ID, "--json", "--accessor", "user-1", "--action", "read", "--artifact", "doc-1")
	require.NoError(t, err)
	var entry token.AccessLogEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entry))
	assert.Equal(t, token.ResultAllowed, entry.Result)

	out, err = run(t, "access", tok.ID, "--accessor", "user-1", "--artifact", "doc-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Max access count reached")

	out, err = run(t, "validate", tok.ID, "--json")
	require.NoError(t, err)
	var v token.Verdict
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.False(t, v.Valid)

	out, err = run(t, "log", tok.ID, "--json")
	require.NoError(t, err)
	var entries []token.AccessLogEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	assert.Len(t, entries, 2)

	_, err = run(t, "revoke", tok.ID, "--reason", "done", "--actor", "ops")
	require.NoError(t, err)

	out, err = run(t, "show", tok.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Status: revoked")
	assert.Contains(t, out, "Accesses: 1 / 1")

	data, err := os.ReadFile(filepath.Join(dir, "audit", "audit.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(data), "\n"))

	out, err = run(t, "audit", "--json", "--action", audit.ActionRevoke)
	require.NoError(t, err)
	var events []audit.Event
	require.NoError(t, json.Unmarshal([]byte(out), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "ops", events[0].Actor)
	assert.Equal(t, "done", events[0].Details["reason"])
}

func TestCLI_RotateAndStats(t *testing.T) {
	setupEnv(t)

	tok := issueToken(t)
	out, err := run(t, "rotate", tok.ID, "--json", "--issued-by", "bob")
	require.NoError(t, err)
	var next token.DropToken
	require.NoError(t, json.Unmarshal([]byte(out), &next))
	assert.NotEqual(t, tok.ID, next.ID)
	assert.Equal(t, tok.Scope.ArtifactRefs, next.Scope.ArtifactRefs)

	out, err = run(t, "stats", "--json")
	require.NoError(t, err)
	var s engine.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	assert.Equal(t, engine.Stats{Total: 2, Active: 1, Revoked: 1}, s)

	out, err = run(t, "revoke-tenant", "T1", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"revoked": 1`)

	out, err = run(t, "stats", "--metrics")
	require.NoError(t, err)
	assert.Contains(t, out, "Revoked: 2")
	assert.Contains(t, out, "droptoken_revoked_total 0")
}

func TestCLI_Errors(t *testing.T) {
	setupEnv(t)

	_, err := run(t, "issue", "--tenant", "T1", "--permission", "read")
	assert.ErrorIs(t, err, engine.ErrEmptyScope)

	_, err = run(t, "issue", "--tenant", "T1", "--artifact", "doc-1", "--permission", "delete")
	assert.ErrorIs(t, err, engine.ErrInvalidPermission)

	_, err = run(t, "revoke", "dt_missing_00")
	assert.ErrorIs(t, err, engine.ErrTokenNotFound)

	_, err = run(t, "show", "dt_missing_00")
	assert.ErrorIs(t, err, engine.ErrTokenNotFound)

	out, err := run(t, "validate", "dt_missing_00")
	require.NoError(t, err)
	assert.Contains(t, out, "Token not found")

	t.Setenv("STORE_BACKEND", "cassandra")
	_, err = run(t, "stats")
	assert.Error(t, err)
}

func TestCLI_SweepOnce(t *testing.T) {
	setupEnv(t)

	issueToken(t)
	out, err := run(t, "sweep", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"expired": 0}`, out)
}

func TestCLI_Migrate(t *testing.T) {
	setupEnv(t)

	out, err := run(t, "migrate", "status", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"version": 2}`, out)

	out, err = run(t, "migrate", "up")
	require.NoError(t, err)
	assert.Contains(t, out, "Migrations applied successfully")

	t.Setenv("STORE_BACKEND", "memory")
	_, err = run(t, "migrate", "status")
	assert.Error(t, err)
}

func TestCLI_EnvFile(t *testing.T) {
	dir := setupEnv(t)
	os.Unsetenv("DROPTOKEN_MAX_TTL")
	envPath := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envPath, []byte("DROPTOKEN_MAX_TTL=30s\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("DROPTOKEN_MAX_TTL") })

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--env-file", envPath, "issue", "--json", "--tenant", "T1", "--artifact", "doc-1", "--permission", "read", "--ttl", "1h"})
	require.NoError(t, cmd.Execute())

	var tok token.DropToken
	require.NoError(t, json.Unmarshal(out.Bytes(), &tok))
	assert.Equal(t, "30s", tok.ExpiresAt.Sub(tok.IssuedAt).String())
}

func TestCLI_RedisBackends(t *testing.T) {
	setupEnv(t)
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_ADDR", mr.Addr())
	t.Setenv("RATE_LIMIT_BACKEND", "redis")
	t.Setenv("RATE_LIMIT_KEY_SECRET", "s3cret")
	t.Setenv("DROPTOKEN_ISSUANCE_RATE_LIMIT", "2")
	t.Setenv("DROPTOKEN_RATE_WINDOW", "1h")
	t.Setenv("AUDIT_STREAM_ENABLED", "true")
	t.Setenv("AUDIT_STREAM_KEY", "test:audit")

	issueToken(t)
	issueToken(t)

	// the quota is shared across invocations through redis
	_, err := run(t, "issue", "--tenant", "T1", "--artifact", "doc-1", "--permission", "read")
	assert.ErrorIs(t, err, engine.ErrRateLimitExceeded)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	msgs, err := rdb.XRange(context.Background(), "test:audit", "-", "+").Result()
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	for _, k := range mr.Keys() {
		assert.NotContains(t, k, "T1")
	}
}
