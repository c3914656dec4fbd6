// Package config handles application configuration loading and validation
// from environment variables, providing a type-safe configuration structure.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sofatutor/droptoken/internal/engine"
)

// Storage and rate limit backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config holds all application configuration values loaded from environment variables.
type Config struct {
	// Token policy
	DefaultTTL        time.Duration // Lifetime used when a request does not name one
	MaxTTL            time.Duration // Upper bound for every requested lifetime
	IssuanceRateLimit int           // Issue calls per tenant per window
	AccessRateLimit   int           // Access calls per token per window
	RateWindow        time.Duration // Fixed window size for both limiters
	PolicyFile        string        // Optional YAML policy overriding the values above

	// Logging
	LogLevel  string // Log level (debug, info, warn, error)
	LogFormat string // Log format (json, console)
	LogFile   string // Path to log file (empty for stdout)

	// Audit logging
	AuditLogFile   string // Path to the JSONL audit file (empty to disable)
	AuditCreateDir bool   // Create parent directories for the audit file
	AuditStoreInDB bool   // Store audit events in the database when the SQLite backend is used

	// Audit stream
	AuditStreamEnabled bool   // Publish audit events to a Redis stream
	AuditStreamKey     string // Stream key
	AuditStreamMaxLen  int64  // Approximate stream length cap
	AuditStreamBuffer  int    // Publish through a buffer of this many events (0 publishes inline)

	// Storage
	StoreBackend string // "memory" or "sqlite"
	DatabasePath string // Path to the SQLite database file

	// Rate limiting
	RateLimitBackend   string // "memory" or "redis"
	RateLimitKeySecret string // HMAC secret for hashing keys in Redis
	RateLimitFallback  bool   // Fall back to in-memory counting when Redis is unavailable

	// Redis
	RedisAddr string // Redis server address (e.g., "localhost:6379")
	RedisDB   int    // Redis database number

	// Maintenance
	ExpirySweepInterval time.Duration // Interval for the background expiry sweep (0 disables)

	// Monitoring
	MetricsEnabled bool // Register Prometheus counters
}

// New creates a configuration from environment variables, applying defaults
// where variables are unset and the policy file when one is named.
func New() (*Config, error) {
	d := DefaultConfig()
	config := &Config{
		DefaultTTL:        getEnvDuration("DROPTOKEN_DEFAULT_TTL", d.DefaultTTL),
		MaxTTL:            getEnvDuration("DROPTOKEN_MAX_TTL", d.MaxTTL),
		IssuanceRateLimit: getEnvInt("DROPTOKEN_ISSUANCE_RATE_LIMIT", d.IssuanceRateLimit),
		AccessRateLimit:   getEnvInt("DROPTOKEN_ACCESS_RATE_LIMIT", d.AccessRateLimit),
		RateWindow:        getEnvDuration("DROPTOKEN_RATE_WINDOW", d.RateWindow),
		PolicyFile:        getEnvString("DROPTOKEN_POLICY_FILE", d.PolicyFile),

		LogLevel:  getEnvString("LOG_LEVEL", d.LogLevel),
		LogFormat: getEnvString("LOG_FORMAT", d.LogFormat),
		LogFile:   getEnvString("LOG_FILE", d.LogFile),

		AuditLogFile:   getEnvString("AUDIT_LOG_FILE", d.AuditLogFile),
		AuditCreateDir: getEnvBool("AUDIT_CREATE_DIR", d.AuditCreateDir),
		AuditStoreInDB: getEnvBool("AUDIT_STORE_IN_DB", d.AuditStoreInDB),

		AuditStreamEnabled: getEnvBool("AUDIT_STREAM_ENABLED", d.AuditStreamEnabled),
		AuditStreamKey:     getEnvString("AUDIT_STREAM_KEY", d.AuditStreamKey),
		AuditStreamMaxLen:  getEnvInt64("AUDIT_STREAM_MAXLEN", d.AuditStreamMaxLen),
		AuditStreamBuffer:  getEnvInt("AUDIT_STREAM_BUFFER", d.AuditStreamBuffer),

		StoreBackend: strings.ToLower(getEnvString("STORE_BACKEND", d.StoreBackend)),
		DatabasePath: getEnvString("DATABASE_PATH", d.DatabasePath),

		RateLimitBackend:   strings.ToLower(getEnvString("RATE_LIMIT_BACKEND", d.RateLimitBackend)),
		RateLimitKeySecret: getEnvString("RATE_LIMIT_KEY_SECRET", d.RateLimitKeySecret),
		RateLimitFallback:  getEnvBool("RATE_LIMIT_FALLBACK", d.RateLimitFallback),

		RedisAddr: getEnvString("REDIS_ADDR", d.RedisAddr),
		RedisDB:   getEnvInt("REDIS_DB", d.RedisDB),

		ExpirySweepInterval: getEnvDuration("EXPIRY_SWEEP_INTERVAL", d.ExpirySweepInterval),

		MetricsEnabled: getEnvBool("METRICS_ENABLED", d.MetricsEnabled),
	}

	if config.PolicyFile != "" {
		p, err := LoadPolicyFile(config.PolicyFile)
		if err != nil {
			return nil, err
		}
		config.ApplyPolicy(p)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks backend names and policy bounds.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory, BackendSQLite:
	default:
		return fmt.Errorf("unsupported store backend %q", c.StoreBackend)
	}
	switch c.RateLimitBackend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("unsupported rate limit backend %q", c.RateLimitBackend)
	}
	if c.StoreBackend == BackendSQLite && c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH is required for the sqlite backend")
	}
	if (c.RateLimitBackend == BackendRedis || c.AuditStreamEnabled) && c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required when redis is used")
	}
	if c.RateWindow <= 0 {
		return fmt.Errorf("rate window must be positive, got %s", c.RateWindow)
	}
	if c.AuditStreamBuffer < 0 {
		return fmt.Errorf("audit stream buffer must not be negative, got %d", c.AuditStreamBuffer)
	}
	if c.ExpirySweepInterval < 0 {
		return fmt.Errorf("expiry sweep interval must not be negative, got %s", c.ExpirySweepInterval)
	}
	return c.Policy().Validate()
}

// Policy returns the engine policy described by the configuration.
func (c *Config) Policy() engine.Policy {
	return engine.Policy{
		DefaultTTL:            c.DefaultTTL,
		MaxTTL:                c.MaxTTL,
		IssuanceRatePerMinute: c.IssuanceRateLimit,
		AccessRatePerMinute:   c.AccessRateLimit,
	}
}

// getEnvString retrieves a string value from an environment variable,
// falling back to the provided default value if the variable is not set.
func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvBool falls back to defaultValue when the variable is unset or not a boolean.
func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := strconv.ParseBool(value)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := strconv.Atoi(value)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := strconv.ParseInt(value, 10, 64)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("90s", "15m") and plain
// integers, which are read as seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	if parsedValue, err := time.ParseDuration(value); err == nil {
		return parsedValue
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	p := engine.DefaultPolicy()
	return &Config{
		DefaultTTL:        p.DefaultTTL,
		MaxTTL:            p.MaxTTL,
		IssuanceRateLimit: p.IssuanceRatePerMinute,
		AccessRateLimit:   p.AccessRatePerMinute,
		RateWindow:        time.Minute,

		LogLevel:  "info",
		LogFormat: "json",

		AuditStreamKey:    "droptoken:audit",
		AuditStreamMaxLen: 10000,
		AuditStreamBuffer: 1000,
		AuditStoreInDB:    true,

		StoreBackend: BackendSQLite,
		DatabasePath: "./data/droptoken.db",

		RateLimitBackend:  BackendMemory,
		RateLimitFallback: true,

		RedisAddr: "localhost:6379",

		MetricsEnabled: true,
	}
}
