package token

import "time"

// Reasons reported in a Verdict when a token is not usable.
const (
	ReasonNotFound  = "Token not found"
	ReasonRevoked   = "Token revoked"
	ReasonExpired   = "Token expired"
	ReasonMaxAccess = "Max access count reached"
)

// Evaluate decides whether t is currently usable and returns the token as it
// must be stored afterwards. Evaluation is a state transition, not a pure read:
// an active token past its expiry comes back as expired, and an active token
// whose access budget is spent comes back as consumed.
//
// Checks run in order: revoked, already expired, expiry reached, access budget.
// The input is never modified.
func Evaluate(t DropToken, now time.Time) (DropToken, Verdict) {
	switch t.Status {
	case StatusRevoked:
		return t, Verdict{Reason: ReasonRevoked}
	case StatusExpired:
		return t, Verdict{Reason: ReasonExpired}
	case StatusConsumed:
		// consumed tokens keep reporting the budget reason
		return t, Verdict{Reason: ReasonMaxAccess}
	}

	if !now.Before(t.ExpiresAt) {
		next := t.Clone()
		next.Status = StatusExpired
		return next, Verdict{Reason: ReasonExpired}
	}

	if t.SessionRestrictions.Exhausted() {
		next := t.Clone()
		next.Status = StatusConsumed
		return next, Verdict{Reason: ReasonMaxAccess}
	}

	return t, Verdict{Valid: true}
}

// Transitioned reports whether Evaluate moved the token to a new status.
func Transitioned(before, after DropToken) bool {
	return before.Status != after.Status
}
