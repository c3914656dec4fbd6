package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sofatutor/droptoken/internal/token"
)

// Sink is a durable destination for audit events.
type Sink interface {
	Write(ctx context.Context, event *Event) error
}

// Emitter assigns audit event ids and delivers events to its sinks.
// Sink failures are logged and never reported to the caller: the id appended
// to the token's trail is the record of the operation.
type Emitter struct {
	mu     sync.RWMutex
	sinks  []Sink
	logger *zap.Logger
	newID  func(time.Time) (string, error)
}

// NewEmitter creates an emitter delivering to the given sinks.
func NewEmitter(logger *zap.Logger, sinks ...Sink) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{
		sinks:  sinks,
		logger: logger,
		newID:  token.NewAuditID,
	}
}

// AddSink registers another destination.
func (e *Emitter) AddSink(s Sink) {
	if s == nil {
		return
	}
	e.mu.Lock()
	e.sinks = append(e.sinks, s)
	e.mu.Unlock()
}

// Assign gives event a fresh identifier derived from its timestamp, without
// delivering it. Events that already carry an id keep it.
func (e *Emitter) Assign(event *Event) (string, error) {
	if event == nil {
		return "", errors.New("audit event cannot be nil")
	}
	if event.ID != "" {
		return event.ID, nil
	}
	id, err := e.newID(event.Timestamp)
	if err != nil {
		return "", fmt.Errorf("failed to generate audit id: %w", err)
	}
	event.ID = id
	return id, nil
}

// Emit assigns an id if needed and writes the event to every sink.
// The only error is a failure to generate the id.
func (e *Emitter) Emit(ctx context.Context, event *Event) (string, error) {
	id, err := e.Assign(event)
	if err != nil {
		return "", err
	}

	e.mu.RLock()
	sinks := e.sinks
	e.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Write(ctx, event); err != nil {
			e.logger.Warn("audit sink write failed",
				zap.String("audit_id", id),
				zap.String("action", event.Action),
				zap.Error(err))
		}
	}
	return id, nil
}
