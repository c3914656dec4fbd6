// Package audit records state-changing drop token operations. Every issue,
// revoke and successful access receives an opaque event id that is appended to
// the token's own trail; the full event is then delivered to zero or more sinks
// (JSONL file, SQLite, Redis stream) for later investigation.
package audit

import (
	"time"

	"github.com/sofatutor/droptoken/internal/obfuscate"
)

// Event represents an audit event with canonical fields.
type Event struct {
	// ID is the opaque identifier appended to the token's audit trail
	ID string `json:"id"`

	// Timestamp when the event occurred
	Timestamp time.Time `json:"timestamp"`

	// Action describes what operation was performed (e.g. "droptoken.issue")
	Action string `json:"action"`

	// Actor identifies who performed the action (issuer, accessor or system)
	Actor string `json:"actor"`

	// TenantID identifies which tenant owns the affected token
	TenantID string `json:"tenant_id,omitempty"`

	// TokenID is the obfuscated id of the affected token
	TokenID string `json:"token_id,omitempty"`

	// ClientIP is the source IP reported by the caller, if any
	ClientIP string `json:"client_ip,omitempty"`

	// Result indicates success or failure of the operation
	Result ResultType `json:"result"`

	// Details contains additional context about the event (no secrets)
	Details map[string]interface{} `json:"details,omitempty"`
}

// ResultType represents the outcome of an audited operation
type ResultType string

const (
	// ResultSuccess indicates the operation completed successfully
	ResultSuccess ResultType = "success"

	// ResultFailure indicates the operation failed
	ResultFailure ResultType = "failure"
)

// Action constants for drop token lifecycle events
const (
	ActionIssue  = "droptoken.issue"
	ActionRevoke = "droptoken.revoke"
	ActionAccess = "droptoken.access"
)

// Actor types for events not triggered by a named caller
const (
	ActorSystem    = "system"
	ActorAnonymous = "anonymous"
)

// NewEvent creates a new audit event with the specified action and result.
// The timestamp is set to the current time; use WithTimestamp to override it.
func NewEvent(action string, actor string, result ResultType) *Event {
	if actor == "" {
		actor = ActorAnonymous
	}
	return &Event{
		Timestamp: time.Now().UTC(),
		Action:    action,
		Actor:     actor,
		Result:    result,
		Details:   make(map[string]interface{}),
	}
}

// WithTimestamp sets the event time
func (e *Event) WithTimestamp(ts time.Time) *Event {
	e.Timestamp = ts.UTC()
	return e
}

// WithTenantID sets the tenant owning the affected token
func (e *Event) WithTenantID(tenantID string) *Event {
	e.TenantID = tenantID
	return e
}

// WithTokenID records the affected token. Token ids are bearer credentials,
// so only the obfuscated form is stored.
func (e *Event) WithTokenID(tokenID string) *Event {
	e.TokenID = obfuscate.ObfuscateID(tokenID)
	return e
}

// WithClientIP sets the client IP address for the audit event
func (e *Event) WithClientIP(clientIP string) *Event {
	e.ClientIP = clientIP
	return e
}

// WithDetail adds a detail key-value pair to the audit event.
func (e *Event) WithDetail(key string, value interface{}) *Event {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithReason records a free-text reason, e.g. why a token was revoked
func (e *Event) WithReason(reason string) *Event {
	if reason == "" {
		return e
	}
	return e.WithDetail("reason", reason)
}

// WithError adds error information to the audit event details
func (e *Event) WithError(err error) *Event {
	if err != nil {
		return e.WithDetail("error", err.Error())
	}
	return e
}
