package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrSinkClosed is returned by AsyncSink.Write after Close.
var ErrSinkClosed = errors.New("audit sink closed")

// AsyncSink hands events to a wrapped sink on a background goroutine so slow
// destinations do not hold up token operations. Writes never block: when the
// buffer is full the event is dropped and counted.
type AsyncSink struct {
	next    Sink
	logger  *zap.Logger
	timeout time.Duration

	ch      chan Event
	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewAsyncSink starts a worker delivering to next with a buffer of bufferSize events.
func NewAsyncSink(next Sink, bufferSize int, logger *zap.Logger) *AsyncSink {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &AsyncSink{
		next:    next,
		logger:  logger,
		timeout: 5 * time.Second,
		ch:      make(chan Event, bufferSize),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Write queues a copy of event.
func (s *AsyncSink) Write(_ context.Context, event *Event) error {
	if event == nil {
		return errors.New("audit event cannot be nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}

	select {
	case s.ch <- *event:
	default:
		s.dropped.Add(1)
		s.logger.Warn("audit buffer full, event dropped",
			zap.String("audit_id", event.ID),
			zap.String("action", event.Action))
	}
	return nil
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for ev := range s.ch {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if err := s.next.Write(ctx, &ev); err != nil {
			s.failed.Add(1)
			s.logger.Warn("async audit delivery failed",
				zap.String("audit_id", ev.ID),
				zap.Error(err))
		}
		cancel()
	}
}

// Close stops accepting events and waits until the buffer is drained.
func (s *AsyncSink) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
	<-s.done
	return nil
}

// Stats returns the number of dropped and failed events.
func (s *AsyncSink) Stats() (dropped, failed int64) {
	return s.dropped.Load(), s.failed.Load()
}
