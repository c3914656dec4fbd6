package audit

import (
	"context"

	"go.uber.org/zap"
)

// ZapSink mirrors audit events into the application log, tagged with
// log_type=audit so they can be routed separately.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink creates a sink logging through baseLogger.
func NewZapSink(baseLogger *zap.Logger) *ZapSink {
	if baseLogger == nil {
		baseLogger = zap.NewNop()
	}
	return &ZapSink{logger: baseLogger.With(zap.String("log_type", "audit"))}
}

// Write implements Sink. Failures are logged at warn level.
func (s *ZapSink) Write(_ context.Context, event *Event) error {
	if event == nil {
		return nil
	}

	fields := []zap.Field{
		zap.String("audit_id", event.ID),
		zap.String("action", event.Action),
		zap.String("actor", event.Actor),
		zap.String("result", string(event.Result)),
		zap.Time("timestamp", event.Timestamp),
	}
	if event.TenantID != "" {
		fields = append(fields, zap.String("tenant_id", event.TenantID))
	}
	if event.TokenID != "" {
		fields = append(fields, zap.String("token_id", event.TokenID))
	}
	if event.ClientIP != "" {
		fields = append(fields, zap.String("client_ip", event.ClientIP))
	}
	if len(event.Details) > 0 {
		fields = append(fields, zap.Any("details", event.Details))
	}

	if event.Result == ResultFailure {
		s.logger.Warn("Audit event", fields...)
	} else {
		s.logger.Info("Audit event", fields...)
	}
	return nil
}
