package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PolicyFile is the external token policy document. Zero values leave the
// corresponding setting untouched.
type PolicyFile struct {
	DefaultTTLSeconds          int `yaml:"default_ttl_seconds"`
	MaxTTLSeconds              int `yaml:"max_ttl_seconds"`
	RateLimitIssuancePerMinute int `yaml:"rate_limit_issuance_per_minute"`
	RateLimitAccessPerMinute   int `yaml:"rate_limit_access_per_minute"`
}

// LoadPolicyFile reads a YAML policy document from path.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var p PolicyFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("invalid policy file %s: %w", path, err)
	}
	return &p, nil
}

func (p *PolicyFile) validate() error {
	fields := []struct {
		name  string
		value int
	}{
		{"default_ttl_seconds", p.DefaultTTLSeconds},
		{"max_ttl_seconds", p.MaxTTLSeconds},
		{"rate_limit_issuance_per_minute", p.RateLimitIssuancePerMinute},
		{"rate_limit_access_per_minute", p.RateLimitAccessPerMinute},
	}
	for _, f := range fields {
		if f.value < 0 {
			return fmt.Errorf("%s must not be negative, got %d", f.name, f.value)
		}
	}
	if p.DefaultTTLSeconds > 0 && p.MaxTTLSeconds > 0 && p.DefaultTTLSeconds > p.MaxTTLSeconds {
		return fmt.Errorf("default_ttl_seconds (%d) exceeds max_ttl_seconds (%d)", p.DefaultTTLSeconds, p.MaxTTLSeconds)
	}
	return nil
}

// ApplyPolicy overrides the policy settings that p sets.
func (c *Config) ApplyPolicy(p *PolicyFile) {
	if p == nil {
		return
	}
	if p.DefaultTTLSeconds > 0 {
		c.DefaultTTL = time.Duration(p.DefaultTTLSeconds) * time.Second
	}
	if p.MaxTTLSeconds > 0 {
		c.MaxTTL = time.Duration(p.MaxTTLSeconds) * time.Second
	}
	if p.RateLimitIssuancePerMinute > 0 {
		c.IssuanceRateLimit = p.RateLimitIssuancePerMinute
	}
	if p.RateLimitAccessPerMinute > 0 {
		c.AccessRateLimit = p.RateLimitAccessPerMinute
	}
}
