package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sofatutor/droptoken/internal/audit"
	"github.com/sofatutor/droptoken/internal/logging"
	"github.com/sofatutor/droptoken/internal/store"
	"github.com/sofatutor/droptoken/internal/token"
)

// ReasonAccessRateLimited is recorded when the token's access quota is spent.
const ReasonAccessRateLimited = "Access rate limit exceeded"

// Access checks one use of a token and records the outcome. Checks run in
// order and stop at the first failure: access rate limit, validity,
// permission, artifact, source IP. A successful access increments the
// session access count and appends an audit event.
//
// The entry is appended to the token's access log before returning, while
// still holding the token's access lock, so the log order matches the order
// of decisions. Entries for unknown token ids are returned and logged but not
// stored. The error is non-nil only for storage failures.
func (e *Engine) Access(ctx context.Context, req AccessRequest) (token.AccessLogEntry, error) {
	unlock := e.accessLocks.Lock(req.TokenID)
	defer unlock()

	now := e.now()

	entryID, err := e.newLogID()
	if err != nil {
		return token.AccessLogEntry{}, fmt.Errorf("failed to generate access log id: %w", err)
	}
	entry := token.AccessLogEntry{
		ID:          entryID,
		TokenID:     req.TokenID,
		AccessorID:  req.AccessorID,
		Action:      req.Action,
		ArtifactRef: req.ArtifactRef,
		Timestamp:   now,
		SourceIP:    req.SourceIP,
	}

	if !e.access.Allow(ctx, req.TokenID) {
		entry.Result = token.ResultRateLimited
		entry.Reason = ReasonAccessRateLimited
		_, err := e.tokens.Get(ctx, req.TokenID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return e.finishAccess(ctx, entry, false)
		case err != nil:
			return entry, fmt.Errorf("failed to load token: %w", err)
		}
		return e.finishAccess(ctx, entry, true)
	}

	var (
		ev   *audit.Event
		from token.Status
		to   token.Status
	)
	_, err = e.tokens.Update(ctx, req.TokenID, func(t *token.DropToken) error {
		from = t.Status
		next, verdict := token.Evaluate(*t, now)
		to = next.Status

		if !verdict.Valid {
			entry.Result = token.ResultDenied
			entry.Reason = verdict.Reason
			if token.Transitioned(*t, next) {
				*t = next
				return nil
			}
			return errUnchanged
		}

		if reason, ok := checkScope(*t, req); !ok {
			entry.Result = token.ResultDenied
			entry.Reason = reason
			return errUnchanged
		}

		ev = audit.NewEvent(audit.ActionAccess, req.AccessorID, audit.ResultSuccess).
			WithTimestamp(now).
			WithTenantID(t.Scope.TenantID).
			WithTokenID(t.ID).
			WithClientIP(req.SourceIP).
			WithDetail("action", string(req.Action)).
			WithDetail("artifact_ref", req.ArtifactRef).
			WithDetail("access_log_id", entry.ID)
		auditID, err := e.emitter.Assign(ev)
		if err != nil {
			ev = nil
			return err
		}
		if t.SessionRestrictions != nil {
			t.SessionRestrictions.CurrentAccessCount++
		}
		t.AuditTrail = append(t.AuditTrail, auditID)
		entry.Result = token.ResultAllowed
		return nil
	})

	switch {
	case errors.Is(err, store.ErrNotFound):
		entry.Result = token.ResultDenied
		entry.Reason = token.ReasonNotFound
		return e.finishAccess(ctx, entry, false)
	case err != nil && !errors.Is(err, errUnchanged):
		return entry, fmt.Errorf("failed to record access: %w", err)
	}

	if from != to && entry.Result == token.ResultDenied {
		e.metrics.ObserveTransition(string(to))
		e.logger.Info("drop token status changed",
			logging.TokenID(req.TokenID),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
	}
	if ev != nil {
		_, _ = e.emitter.Emit(ctx, ev)
	}
	return e.finishAccess(ctx, entry, true)
}

// checkScope applies the permission, artifact and IP checks in that order.
func checkScope(t token.DropToken, req AccessRequest) (string, bool) {
	if !t.Scope.HasPermission(req.Action) {
		return fmt.Sprintf("Permission '%s' not granted", req.Action), false
	}
	if !t.Scope.HasArtifact(req.ArtifactRef) {
		return fmt.Sprintf("Artifact '%s' not in token scope", req.ArtifactRef), false
	}
	if !t.SessionRestrictions.AllowsIP(req.SourceIP) {
		return fmt.Sprintf("IP '%s' not in allowlist", req.SourceIP), false
	}
	return "", true
}

// finishAccess stores the entry when the token exists, then logs and counts it.
func (e *Engine) finishAccess(ctx context.Context, entry token.AccessLogEntry, known bool) (token.AccessLogEntry, error) {
	if known {
		if err := e.logs.Append(ctx, entry); err != nil {
			return entry, fmt.Errorf("failed to append access log entry: %w", err)
		}
	}

	e.metrics.ObserveAccess(string(entry.Result))
	level := zapcore.InfoLevel
	if entry.Result == token.ResultAllowed {
		level = zapcore.DebugLevel
	}
	if ce := e.logger.Check(level, "drop token access"); ce != nil {
		ce.Write(
			logging.TokenID(entry.TokenID),
			zap.String(logging.FieldActor, entry.AccessorID),
			zap.String("action", string(entry.Action)),
			zap.String("artifact_ref", entry.ArtifactRef),
			zap.String(logging.FieldClientIP, entry.SourceIP),
			zap.String(logging.FieldResult, string(entry.Result)),
			zap.String(logging.FieldReason, entry.Reason))
	}
	return entry, nil
}
