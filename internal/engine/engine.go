// Package engine implements the drop token lifecycle: issuance, validation,
// revocation, rotation and access checks. All state lives behind the store
// interfaces; the engine itself only holds collaborators and policy, so one
// instance can be shared by any number of goroutines.
package engine

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sofatutor/droptoken/internal/audit"
	"github.com/sofatutor/droptoken/internal/metrics"
	"github.com/sofatutor/droptoken/internal/ratelimit"
	"github.com/sofatutor/droptoken/internal/store"
	"github.com/sofatutor/droptoken/internal/token"
)

// Policy holds the externally supplied lifetime and rate settings.
type Policy struct {
	// DefaultTTL applies when a request does not specify a lifetime
	DefaultTTL time.Duration
	// MaxTTL caps every requested lifetime
	MaxTTL time.Duration
	// IssuanceRatePerMinute limits Issue calls per tenant
	IssuanceRatePerMinute int
	// AccessRatePerMinute limits Access calls per token
	AccessRatePerMinute int
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		DefaultTTL:            token.FifteenMinutes,
		MaxTTL:                token.OneDay,
		IssuanceRatePerMinute: 30,
		AccessRatePerMinute:   120,
	}
}

// Validate checks that the policy is usable.
func (p Policy) Validate() error {
	if p.DefaultTTL <= 0 {
		return fmt.Errorf("default TTL must be positive, got %s", p.DefaultTTL)
	}
	if p.MaxTTL <= 0 {
		return fmt.Errorf("max TTL must be positive, got %s", p.MaxTTL)
	}
	if p.IssuanceRatePerMinute <= 0 {
		return fmt.Errorf("issuance rate limit must be positive, got %d", p.IssuanceRatePerMinute)
	}
	if p.AccessRatePerMinute <= 0 {
		return fmt.Errorf("access rate limit must be positive, got %d", p.AccessRatePerMinute)
	}
	return nil
}

// IssueRequest describes the token to create.
type IssueRequest struct {
	TenantID       string
	WorkspaceID    string
	ProjectID      string
	ArtifactRefs   []string
	Permissions    []token.Permission
	DeliveryMethod string
	PartnerID      string
	WebhookURL     string

	// Restrictions, when set, attaches a session restriction block.
	Restrictions *RestrictionRequest

	// Lifetime is the requested validity; nil means Policy.DefaultTTL.
	Lifetime *time.Duration
}

// RestrictionRequest is the session restriction part of an IssueRequest.
type RestrictionRequest struct {
	MaxAccessCount *int
	IPAllowlist    []string
}

// AccessRequest describes one attempt to use a token.
type AccessRequest struct {
	TokenID     string
	AccessorID  string
	Action      token.Permission
	ArtifactRef string
	// SourceIP is optional; when empty the IP allowlist is not checked.
	SourceIP string
}

// Stats summarizes stored tokens by status. Expired includes consumed tokens.
type Stats struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Revoked int `json:"revoked"`
	Expired int `json:"expired"`
}

// Engine runs the lifecycle operations.
type Engine struct {
	policy Policy

	tokens   store.TokenStore
	logs     store.AccessLogStore
	issuance ratelimit.Limiter
	access   ratelimit.Limiter
	emitter  *audit.Emitter
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	newLogID func() (string, error)

	// accessLocks serializes Access per token so the access log is in
	// decision order.
	accessLocks *store.KeyedMutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore uses s for both tokens and access logs.
func WithStore(s interface {
	store.TokenStore
	store.AccessLogStore
}) Option {
	return func(e *Engine) {
		e.tokens = s
		e.logs = s
	}
}

// WithTokenStore overrides the token store.
func WithTokenStore(s store.TokenStore) Option {
	return func(e *Engine) { e.tokens = s }
}

// WithAccessLogStore overrides the access log store.
func WithAccessLogStore(s store.AccessLogStore) Option {
	return func(e *Engine) { e.logs = s }
}

// WithIssuanceLimiter overrides the per-tenant issuance limiter.
func WithIssuanceLimiter(l ratelimit.Limiter) Option {
	return func(e *Engine) { e.issuance = l }
}

// WithAccessLimiter overrides the per-token access limiter.
func WithAccessLimiter(l ratelimit.Limiter) Option {
	return func(e *Engine) { e.access = l }
}

// WithEmitter sets the audit emitter.
func WithEmitter(em *audit.Emitter) Option {
	return func(e *Engine) { e.emitter = em }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces time.Now. The default in-memory limiters use the same clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine. Unset collaborators default to an in-memory store,
// in-memory fixed-window limiters sized from policy, an emitter without
// sinks and a no-op logger.
func New(policy Policy, opts ...Option) (*Engine, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}

	e := &Engine{
		policy:   policy,
		now:      time.Now,
		newLogID: newAccessLogID,

		accessLocks: store.NewKeyedMutex(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.tokens == nil || e.logs == nil {
		mem := store.NewMemoryStore()
		if e.tokens == nil {
			e.tokens = mem
		}
		if e.logs == nil {
			e.logs = mem
		}
	}
	if e.issuance == nil {
		e.issuance = ratelimit.NewFixedWindowLimiter(policy.IssuanceRatePerMinute,
			ratelimit.WithClock(e.now), ratelimit.WithWindow(time.Minute))
	}
	if e.access == nil {
		e.access = ratelimit.NewFixedWindowLimiter(policy.AccessRatePerMinute,
			ratelimit.WithClock(e.now), ratelimit.WithWindow(time.Minute))
	}
	if e.emitter == nil {
		e.emitter = audit.NewEmitter(e.logger)
	}
	return e, nil
}

// Policy returns the policy the engine was built with.
func (e *Engine) Policy() Policy {
	return e.policy
}
