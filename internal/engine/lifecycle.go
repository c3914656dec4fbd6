package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sofatutor/droptoken/internal/audit"
	"github.com/sofatutor/droptoken/internal/logging"
	"github.com/sofatutor/droptoken/internal/metrics"
	"github.com/sofatutor/droptoken/internal/store"
	"github.com/sofatutor/droptoken/internal/token"
)

// RotatedReason is the revocation reason recorded for the source of a rotation.
const RotatedReason = "Rotated"

// errUnchanged aborts a store update whose callback made no change.
var errUnchanged = errors.New("unchanged")

// newAccessLogID returns a time-ordered UUIDv7 for access log entries.
func newAccessLogID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Issue creates a new active token. Rejected requests return an
// *AdmissionError and leave no state behind, except that the rejected call
// still counts against the tenant's issuance quota.
func (e *Engine) Issue(ctx context.Context, req IssueRequest, issuedBy string) (token.DropToken, error) {
	now := e.now()

	if !e.issuance.Allow(ctx, req.TenantID) {
		e.metrics.ObserveIssue(metrics.IssueRateLimited)
		e.logger.Info("issuance rate limited", logging.TenantID(req.TenantID))
		return token.DropToken{}, admissionError(KindRateLimited, ErrRateLimitExceeded)
	}

	scope, lifetime, err := e.admit(req)
	if err != nil {
		e.metrics.ObserveIssue(metrics.IssueRejected)
		return token.DropToken{}, err
	}

	var restrictions *token.SessionRestrictions
	if req.Restrictions != nil {
		restrictions = &token.SessionRestrictions{
			IPAllowlist: dedupe(req.Restrictions.IPAllowlist),
		}
		if req.Restrictions.MaxAccessCount != nil {
			n := *req.Restrictions.MaxAccessCount
			restrictions.MaxAccessCount = &n
		}
	}

	expiresAt, err := token.CalculateExpiration(now, lifetime)
	if err != nil {
		e.metrics.ObserveIssue(metrics.IssueRejected)
		return token.DropToken{}, admissionError(KindInvalidLifetime, ErrInvalidLifetime)
	}

	id, err := token.NewTokenID(now)
	if err != nil {
		return token.DropToken{}, err
	}

	ev := audit.NewEvent(audit.ActionIssue, issuedBy, audit.ResultSuccess).
		WithTimestamp(now).
		WithTenantID(scope.TenantID).
		WithTokenID(id).
		WithDetail("expires_at", expiresAt.UTC().Format(time.RFC3339)).
		WithDetail("artifact_count", len(scope.ArtifactRefs)).
		WithDetail("permissions", permissionStrings(scope.Permissions))
	auditID, err := e.emitter.Assign(ev)
	if err != nil {
		return token.DropToken{}, err
	}

	t := token.DropToken{
		ID:                  id,
		Scope:               scope,
		IssuedAt:            now,
		ExpiresAt:           expiresAt,
		IssuedBy:            issuedBy,
		Status:              token.StatusActive,
		SessionRestrictions: restrictions,
		AuditTrail:          []string{auditID},
	}

	if err := e.tokens.Put(ctx, t); err != nil {
		return token.DropToken{}, fmt.Errorf("failed to store token: %w", err)
	}
	if err := e.logs.Init(ctx, id); err != nil {
		return token.DropToken{}, fmt.Errorf("failed to create access log: %w", err)
	}
	_, _ = e.emitter.Emit(ctx, ev)

	e.metrics.ObserveIssue(metrics.IssueOK)
	e.logger.Info("drop token issued",
		logging.TokenID(id),
		logging.TenantID(scope.TenantID),
		logging.AuditID(auditID),
		zap.String(logging.FieldActor, issuedBy),
		zap.Time("expires_at", expiresAt),
		zap.Duration("lifetime", lifetime))

	return t.Clone(), nil
}

// admit checks an issue request and returns the normalized scope and the
// clamped lifetime.
func (e *Engine) admit(req IssueRequest) (token.Scope, time.Duration, error) {
	lifetime := e.policy.DefaultTTL
	if req.Lifetime != nil {
		lifetime = *req.Lifetime
	}
	lifetime = token.ClampLifetime(lifetime, e.policy.MaxTTL)
	if lifetime <= 0 {
		return token.Scope{}, 0, admissionError(KindInvalidLifetime, ErrInvalidLifetime)
	}

	artifacts := dedupe(req.ArtifactRefs)
	if len(artifacts) == 0 {
		return token.Scope{}, 0, admissionError(KindEmptyScope, ErrEmptyScope)
	}
	if len(req.Permissions) == 0 {
		return token.Scope{}, 0, admissionError(KindEmptyPermissions, ErrEmptyPermissions)
	}

	perms := make([]token.Permission, 0, len(req.Permissions))
	seen := make(map[token.Permission]bool, len(req.Permissions))
	for _, p := range req.Permissions {
		if _, err := token.ParsePermission(string(p)); err != nil {
			return token.Scope{}, 0, admissionError(KindInvalidPermission, fmt.Errorf("%w: %q", ErrInvalidPermission, p))
		}
		if !seen[p] {
			seen[p] = true
			perms = append(perms, p)
		}
	}

	return token.Scope{
		TenantID:       req.TenantID,
		WorkspaceID:    req.WorkspaceID,
		ProjectID:      req.ProjectID,
		ArtifactRefs:   artifacts,
		Permissions:    perms,
		DeliveryMethod: req.DeliveryMethod,
		PartnerID:      req.PartnerID,
		WebhookURL:     req.WebhookURL,
	}, lifetime, nil
}

// Validate reports whether the token is currently usable. An active token
// past its expiry is stored as expired, and one whose access budget is spent
// is stored as consumed. Unknown ids are reported in the verdict; the only
// error is a storage failure.
func (e *Engine) Validate(ctx context.Context, id string) (token.Verdict, error) {
	_, verdict, err := e.evaluate(ctx, id)
	return verdict, err
}

func (e *Engine) evaluate(ctx context.Context, id string) (token.DropToken, token.Verdict, error) {
	now := e.now()

	var (
		result  token.DropToken
		verdict token.Verdict
		from    token.Status
	)
	_, err := e.tokens.Update(ctx, id, func(t *token.DropToken) error {
		from = t.Status
		next, v := token.Evaluate(*t, now)
		result, verdict = next, v
		if !token.Transitioned(*t, next) {
			return errUnchanged
		}
		*t = next
		return nil
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return token.DropToken{}, token.Verdict{Reason: token.ReasonNotFound}, nil
	case err != nil && !errors.Is(err, errUnchanged):
		return token.DropToken{}, token.Verdict{}, fmt.Errorf("failed to validate token: %w", err)
	}

	if from != result.Status {
		e.observeTransition(result, from)
	}
	return result, verdict, nil
}

func (e *Engine) observeTransition(t token.DropToken, from token.Status) {
	e.metrics.ObserveTransition(string(t.Status))
	e.logger.Info("drop token status changed",
		logging.TokenID(t.ID),
		logging.TenantID(t.Scope.TenantID),
		zap.String("from", string(from)),
		zap.String("to", string(t.Status)))
}

// Revoke forces the token to revoked, whatever its current status, and
// records one audit event carrying reason.
func (e *Engine) Revoke(ctx context.Context, id, reason string) error {
	_, err := e.revoke(ctx, id, reason, audit.ActorSystem)
	return err
}

// RevokeBy is Revoke with an explicit actor recorded in the audit event.
func (e *Engine) RevokeBy(ctx context.Context, id, reason, actor string) error {
	_, err := e.revoke(ctx, id, reason, actor)
	return err
}

func (e *Engine) revoke(ctx context.Context, id, reason, actor string) (token.DropToken, error) {
	now := e.now()

	var ev *audit.Event
	t, err := e.tokens.Update(ctx, id, func(t *token.DropToken) error {
		ev = audit.NewEvent(audit.ActionRevoke, actor, audit.ResultSuccess).
			WithTimestamp(now).
			WithTenantID(t.Scope.TenantID).
			WithTokenID(id).
			WithReason(reason).
			WithDetail("previous_status", string(t.Status))
		auditID, err := e.emitter.Assign(ev)
		if err != nil {
			return err
		}
		t.Status = token.StatusRevoked
		t.AuditTrail = append(t.AuditTrail, auditID)
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return token.DropToken{}, ErrTokenNotFound
	}
	if err != nil {
		return token.DropToken{}, fmt.Errorf("failed to revoke token: %w", err)
	}
	_, _ = e.emitter.Emit(ctx, ev)

	e.metrics.ObserveRevoke()
	e.logger.Info("drop token revoked",
		logging.TokenID(id),
		logging.TenantID(t.Scope.TenantID),
		logging.AuditID(ev.ID),
		zap.String(logging.FieldActor, actor),
		zap.String(logging.FieldReason, reason))
	return t, nil
}

// Rotate revokes the token and issues a replacement with the same scope for
// the remaining lifetime (at least one second). Session restrictions are not
// carried over. The two steps are separate: if the issue step fails, the
// source token stays revoked.
func (e *Engine) Rotate(ctx context.Context, id, issuedBy string) (token.DropToken, error) {
	old, err := e.revoke(ctx, id, RotatedReason, issuedBy)
	if err != nil {
		return token.DropToken{}, err
	}

	remaining := time.Duration(token.RemainingSeconds(old.ExpiresAt, e.now())) * time.Second
	s := old.Scope
	next, err := e.Issue(ctx, IssueRequest{
		TenantID:       s.TenantID,
		WorkspaceID:    s.WorkspaceID,
		ProjectID:      s.ProjectID,
		ArtifactRefs:   s.ArtifactRefs,
		Permissions:    s.Permissions,
		DeliveryMethod: s.DeliveryMethod,
		PartnerID:      s.PartnerID,
		WebhookURL:     s.WebhookURL,
		Lifetime:       &remaining,
	}, issuedBy)
	if err != nil {
		return token.DropToken{}, fmt.Errorf("failed to issue replacement token: %w", err)
	}

	e.logger.Info("drop token rotated",
		zap.String("old_token_id", token.ObfuscateID(id)),
		logging.TokenID(next.ID),
		zap.Duration("remaining", remaining))
	return next, nil
}

// dedupe drops empty and repeated values, keeping first occurrence order.
func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func permissionStrings(ps []token.Permission) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}
