package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Expirer periodically moves overdue active tokens to expired so that stored
// state and stats do not depend on someone validating them.
type Expirer struct {
	engine   *Engine
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	once        sync.Once
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewExpirer creates an expirer that sweeps every interval.
func NewExpirer(e *Engine, interval time.Duration, logger *zap.Logger) *Expirer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Expirer{
		engine:      e,
		interval:    interval,
		timeout:     30 * time.Second,
		logger:      logger,
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start sweeps once and then keeps sweeping every interval in a background
// goroutine.
func (x *Expirer) Start() {
	go func() {
		defer close(x.stoppedChan)
		x.sweep()

		ticker := time.NewTicker(x.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				x.sweep()
			case <-x.stopChan:
				return
			}
		}
	}()
}

func (x *Expirer) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), x.timeout)
	defer cancel()

	if n := x.engine.SweepLimiters(); n > 0 {
		x.logger.Debug("Swept rate limit buckets", zap.Int("count", n))
	}

	count, err := x.engine.ExpireStale(ctx)
	if err != nil {
		x.logger.Error("Failed to expire stale tokens", zap.Error(err))
		return
	}
	if count > 0 {
		x.logger.Info("Expired stale tokens", zap.Int("count", count))
	}
}

// Stop halts the sweep loop and waits for it to exit. It must follow Start.
func (x *Expirer) Stop() {
	x.once.Do(func() { close(x.stopChan) })
	<-x.stoppedChan
}
