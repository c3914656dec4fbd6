package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sofatutor/droptoken/internal/logging"
	"github.com/sofatutor/droptoken/internal/ratelimit"
	"github.com/sofatutor/droptoken/internal/store"
	"github.com/sofatutor/droptoken/internal/token"
)

// GetToken returns a copy of the stored token. It does not evaluate expiry,
// so the status may lag until the next Validate or Access.
func (e *Engine) GetToken(ctx context.Context, id string) (token.DropToken, bool, error) {
	t, err := e.tokens.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return token.DropToken{}, false, nil
	}
	if err != nil {
		return token.DropToken{}, false, fmt.Errorf("failed to get token: %w", err)
	}
	return t, true, nil
}

// GetAccessLog returns the token's access log in order; empty for unknown ids.
func (e *Engine) GetAccessLog(ctx context.Context, id string) ([]token.AccessLogEntry, error) {
	entries, err := e.logs.Entries(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get access log: %w", err)
	}
	if entries == nil {
		entries = []token.AccessLogEntry{}
	}
	return entries, nil
}

// Stats counts stored tokens by status, reporting consumed tokens as expired.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	all, err := e.tokens.List(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to list tokens: %w", err)
	}
	var s Stats
	for _, t := range all {
		s.Total++
		switch t.Status {
		case token.StatusActive:
			s.Active++
		case token.StatusRevoked:
			s.Revoked++
		case token.StatusExpired, token.StatusConsumed:
			s.Expired++
		}
	}
	return s, nil
}

// RevokeTenant revokes every token of tenantID that is not already revoked
// and returns how many were revoked. Each revocation is its own atomic step.
func (e *Engine) RevokeTenant(ctx context.Context, tenantID, reason string) (int, error) {
	all, err := e.tokens.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list tokens: %w", err)
	}

	count := 0
	for _, t := range all {
		if t.Scope.TenantID != tenantID || t.Status == token.StatusRevoked {
			continue
		}
		if err := ctx.Err(); err != nil {
			return count, err
		}
		if _, err := e.revoke(ctx, t.ID, reason, "tenant:"+tenantID); err != nil {
			if errors.Is(err, ErrTokenNotFound) {
				continue
			}
			return count, err
		}
		count++
	}

	e.logger.Info("tenant tokens revoked",
		logging.TenantID(tenantID),
		zap.Int("count", count),
		zap.String(logging.FieldReason, reason))
	return count, nil
}

// ExpireStale applies the lazy expiry transition to every active token whose
// lifetime has passed and returns how many changed status. The result is the
// same as validating each of them.
func (e *Engine) ExpireStale(ctx context.Context) (int, error) {
	all, err := e.tokens.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list tokens: %w", err)
	}

	now := e.now()
	count := 0
	for _, t := range all {
		if t.Status != token.StatusActive || now.Before(t.ExpiresAt) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return count, err
		}
		after, _, err := e.evaluate(ctx, t.ID)
		if err != nil {
			return count, err
		}
		if after.Status != token.StatusActive {
			count++
		}
	}
	return count, nil
}

// SweepLimiters drops elapsed rate limit buckets from limiters that keep
// them in memory and returns how many were removed.
func (e *Engine) SweepLimiters() int {
	removed := 0
	for _, l := range []ratelimit.Limiter{e.issuance, e.access} {
		if s, ok := l.(interface{ Sweep() int }); ok {
			removed += s.Sweep()
		}
	}
	return removed
}
