package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sofatutor/droptoken/internal/ratelimit"
	"github.com/sofatutor/droptoken/internal/token"
)

func TestGetToken_Unknown(t *testing.T) {
	e, _ := newTestEngine(t, DefaultPolicy())

	_, ok, err := e.GetToken(context.Background(), "dt_missing_00")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetToken_ReturnsCopy(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, DefaultPolicy())

	tok, err := e.Issue(ctx, readRequest(time.Minute), "alice")
	require.NoError(t, err)

	got, ok, err := e.GetToken(ctx, tok.ID)
	require.NoError(t, err)
	require.True(t, ok)
	got.Scope.ArtifactRefs[0] = "tampered"
	got.AuditTrail = append(got.AuditTrail, "aud_fake")

	again, _, err := e.GetToken(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-1"}, again.Scope.ArtifactRefs)
	assert.Len(t, again.AuditTrail, 1)
}

func TestStats_FoldsConsumedIntoExpired(t *testing.T) {
	ctx := context.Background()
	e, clock := newTestEngine(t, DefaultPolicy())

	active, err := e.Issue(ctx, readRequest(time.Hour), "alice")
	require.NoError(t, err)
	_ = active

	revoked, err := e.Issue(ctx, readRequest(time.Hour), "alice")
	require.NoError(t, err)
	require.NoError(t, e.Revoke(ctx, revoked.ID, "x"))

	short, err := e.Issue(ctx, readRequest(time.Second), "alice")
	require.NoError(t, err)

	req := readRequest(time.Hour)
	req.Restrictions = &RestrictionRequest{MaxAccessCount: intPtr(0)}
	consumed, err := e.Issue(ctx, req, "alice")
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	_, err = e.Validate(ctx, short.ID)
	require.NoError(t, err)
	_, err = e.Validate(ctx, consumed.ID)
	require.NoError(t, err)

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 4, Active: 1, Revoked: 1, Expired: 2}, stats)
}

func TestRevokeTenant(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, DefaultPolicy())

	var ids []string
	for i := 0; i < 3; i++ {
		tok, err := e.Issue(ctx, readRequest(time.Hour), "alice")
		require.NoError(t, err)
		ids = append(ids, tok.ID)
	}
	require.NoError(t, e.Revoke(ctx, ids[0], "early"))

	other := readRequest(time.Hour)
	other.TenantID = "T2"
	keep, err := e.Issue(ctx, other, "bob")
	require.NoError(t, err)

	n, err := e.RevokeTenant(ctx, "T1", "offboarded")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range ids {
		v, err := e.Validate(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, token.ReasonRevoked, v.Reason)
	}
	v, err := e.Validate(ctx, keep.ID)
	require.NoError(t, err)
	assert.True(t, v.Valid)
}

func TestExpireStale(t *testing.T) {
	ctx := context.Background()
	e, clock := newTestEngine(t, DefaultPolicy())

	short, err := e.Issue(ctx, readRequest(time.Minute), "alice")
	require.NoError(t, err)
	long, err := e.Issue(ctx, readRequest(time.Hour), "alice")
	require.NoError(t, err)

	n, err := e.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clock.Advance(2 * time.Minute)
	n, err = e.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, _, err := e.GetToken(ctx, short.ID)
	require.NoError(t, err)
	assert.Equal(t, token.StatusExpired, stored.Status)
	stored, _, err = e.GetToken(ctx, long.ID)
	require.NoError(t, err)
	assert.Equal(t, token.StatusActive, stored.Status)

	n, err = e.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestExpirer_SweepsInBackground(t *testing.T) {
	ctx := context.Background()
	e, clock := newTestEngine(t, DefaultPolicy())

	tok, err := e.Issue(ctx, readRequest(time.Second), "alice")
	require.NoError(t, err)
	clock.Advance(time.Minute)

	core, logs := observer.New(zapcore.InfoLevel)
	x := NewExpirer(e, 10*time.Millisecond, zap.New(core))
	x.Start()

	assert.Eventually(t, func() bool {
		stored, _, err := e.GetToken(ctx, tok.ID)
		return err == nil && stored.Status == token.StatusExpired
	}, 2*time.Second, 10*time.Millisecond)

	x.Stop()
	x.Stop()
	assert.GreaterOrEqual(t, logs.FilterMessage("Expired stale tokens").Len(), 1)
}

func TestExpirer_SweepsOnStart(t *testing.T) {
	ctx := context.Background()
	e, clock := newTestEngine(t, DefaultPolicy())

	tok, err := e.Issue(ctx, readRequest(time.Second), "alice")
	require.NoError(t, err)
	clock.Advance(time.Minute)

	x := NewExpirer(e, time.Hour, nil)
	x.Start()
	defer x.Stop()

	assert.Eventually(t, func() bool {
		stored, _, err := e.GetToken(ctx, tok.ID)
		return err == nil && stored.Status == token.StatusExpired
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSweepLimiters_DropsElapsedBuckets(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	access := ratelimit.NewFixedWindowLimiter(10, ratelimit.WithClock(clock.Now))
	e, err := New(DefaultPolicy(), WithClock(clock.Now), WithAccessLimiter(access))
	require.NoError(t, err)

	for _, id := range []string{"dt_unknown_01", "dt_unknown_02"} {
		_, err := e.Access(ctx, AccessRequest{TokenID: id, Action: token.PermissionRead, ArtifactRef: "doc-1"})
		require.NoError(t, err)
	}
	require.Equal(t, 2, access.Len())

	assert.Equal(t, 0, e.SweepLimiters())
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 2, e.SweepLimiters())
	assert.Equal(t, 0, access.Len())
}
