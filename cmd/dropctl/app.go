package main

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sofatutor/droptoken/internal/audit"
	"github.com/sofatutor/droptoken/internal/config"
	"github.com/sofatutor/droptoken/internal/engine"
	"github.com/sofatutor/droptoken/internal/logging"
	"github.com/sofatutor/droptoken/internal/metrics"
	"github.com/sofatutor/droptoken/internal/ratelimit"
	"github.com/sofatutor/droptoken/internal/store"
)

// app holds the collaborators for one CLI invocation.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	engine   *engine.Engine
	sqlite   *store.SQLiteStore
	registry *prometheus.Registry
	stream   *audit.StreamSink
	closers  []func() error
}

// newApp wires store, limiters, audit sinks and metrics from cfg.
func newApp(cfg *config.Config) (a *app, err error) {
	a = &app{cfg: cfg}
	defer func() {
		if err != nil {
			_ = a.close()
		}
	}()

	a.logger, err = logging.NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	a.closers = append(a.closers, func() error {
		_ = a.logger.Sync()
		return nil
	})

	opts := []engine.Option{engine.WithLogger(a.logger)}

	switch cfg.StoreBackend {
	case config.BackendSQLite:
		sc := store.DefaultSQLiteConfig()
		sc.Path = cfg.DatabasePath
		a.sqlite, err = store.NewSQLiteStore(sc)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.sqlite.Close)
		opts = append(opts, engine.WithStore(a.sqlite))
	default:
		opts = append(opts, engine.WithStore(store.NewMemoryStore()))
	}

	var rdb *redis.Client
	if cfg.RateLimitBackend == config.BackendRedis || cfg.AuditStreamEnabled {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		a.closers = append(a.closers, rdb.Close)
	}

	if cfg.RateLimitBackend == config.BackendRedis {
		opts = append(opts,
			engine.WithIssuanceLimiter(a.redisLimiter(rdb, "droptoken:issue:", cfg.IssuanceRateLimit)),
			engine.WithAccessLimiter(a.redisLimiter(rdb, "droptoken:access:", cfg.AccessRateLimit)))
	} else {
		opts = append(opts,
			engine.WithIssuanceLimiter(ratelimit.NewFixedWindowLimiter(cfg.IssuanceRateLimit, ratelimit.WithWindow(cfg.RateWindow))),
			engine.WithAccessLimiter(ratelimit.NewFixedWindowLimiter(cfg.AccessRateLimit, ratelimit.WithWindow(cfg.RateWindow))))
	}

	emitter := audit.NewEmitter(a.logger, audit.NewZapSink(a.logger))
	if cfg.AuditLogFile != "" {
		fileLog, err := audit.NewLogger(audit.LoggerConfig{FilePath: cfg.AuditLogFile, CreateDir: cfg.AuditCreateDir})
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		a.closers = append(a.closers, fileLog.Close)
		emitter.AddSink(fileLog)
	}
	if a.sqlite != nil && cfg.AuditStoreInDB {
		emitter.AddSink(a.sqlite)
	}
	if cfg.AuditStreamEnabled {
		a.stream = audit.NewStreamSink(audit.NewStreamClientAdapter(rdb), audit.StreamConfig{
			StreamKey: cfg.AuditStreamKey,
			MaxLen:    cfg.AuditStreamMaxLen,
		})
		if cfg.AuditStreamBuffer > 0 {
			async := audit.NewAsyncSink(a.stream, cfg.AuditStreamBuffer, a.logger)
			a.closers = append(a.closers, async.Close)
			emitter.AddSink(async)
		} else {
			emitter.AddSink(a.stream)
		}
	}
	opts = append(opts, engine.WithEmitter(emitter))

	if cfg.MetricsEnabled {
		a.registry = prometheus.NewRegistry()
		opts = append(opts, engine.WithMetrics(metrics.New(a.registry)))
	}

	a.engine, err = engine.New(cfg.Policy(), opts...)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) redisLimiter(rdb *redis.Client, prefix string, limit int) *ratelimit.RedisLimiter {
	rc := ratelimit.RedisConfig{
		KeyPrefix:      prefix,
		Limit:          limit,
		Window:         a.cfg.RateWindow,
		EnableFallback: a.cfg.RateLimitFallback,
	}
	if a.cfg.RateLimitKeySecret != "" {
		rc.KeyHashSecret = []byte(a.cfg.RateLimitKeySecret)
	}
	return ratelimit.NewRedisLimiter(ratelimit.NewGoRedisAdapter(rdb), rc, a.logger)
}

// close releases resources in reverse order of acquisition.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
