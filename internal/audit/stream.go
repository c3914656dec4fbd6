package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// StreamClient is the subset of Redis Streams used to export events.
type StreamClient interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) (string, error)
}

// StreamClientAdapter adapts go-redis to StreamClient.
type StreamClientAdapter struct {
	Client redis.Cmdable
}

// NewStreamClientAdapter creates a new adapter
func NewStreamClientAdapter(client redis.Cmdable) *StreamClientAdapter {
	return &StreamClientAdapter{Client: client}
}

// XAdd adds an entry to a stream
func (a *StreamClientAdapter) XAdd(ctx context.Context, args *redis.XAddArgs) (string, error) {
	return a.Client.XAdd(ctx, args).Result()
}

// StreamConfig configures a StreamSink.
type StreamConfig struct {
	StreamKey string // Redis stream key
	MaxLen    int64  // Max stream length (0 = unlimited, uses MAXLEN ~ approximation)
}

// DefaultStreamConfig returns default configuration
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		StreamKey: "droptoken:audit",
		MaxLen:    10000,
	}
}

// StreamSink publishes audit events to a Redis stream for downstream consumers.
type StreamSink struct {
	client    StreamClient
	config    StreamConfig
	published atomic.Int64
	failed    atomic.Int64
}

// NewStreamSink creates a sink appending to config.StreamKey.
func NewStreamSink(client StreamClient, config StreamConfig) *StreamSink {
	if config.StreamKey == "" {
		config.StreamKey = DefaultStreamConfig().StreamKey
	}
	return &StreamSink{client: client, config: config}
}

// Write implements Sink using XADD. Each entry carries the event JSON under
// "data" plus the action and id for cheap filtering.
func (s *StreamSink) Write(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("audit event cannot be nil")
	}
	data, err := json.Marshal(event)
	if err != nil {
		s.failed.Add(1)
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: s.config.StreamKey,
		Values: map[string]interface{}{
			"id":     event.ID,
			"action": event.Action,
			"data":   string(data),
		},
	}
	if s.config.MaxLen > 0 {
		args.MaxLen = s.config.MaxLen
		args.Approx = true
	}

	if _, err := s.client.XAdd(ctx, args); err != nil {
		s.failed.Add(1)
		return fmt.Errorf("failed to publish audit event to stream %s: %w", s.config.StreamKey, err)
	}
	s.published.Add(1)
	return nil
}

// Stats returns the number of published and failed events.
func (s *StreamSink) Stats() (published, failed int64) {
	return s.published.Load(), s.failed.Load()
}
