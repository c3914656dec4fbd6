// Package logging builds the zap loggers used across the service and holds
// the shared field helpers that keep bearer identifiers out of log output.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sofatutor/droptoken/internal/obfuscate"
)

// Canonical field names
const (
	FieldTokenID  = "token_id"
	FieldTenantID = "tenant_id"
	FieldAuditID  = "audit_id"
	FieldActor    = "actor"
	FieldResult   = "result"
	FieldReason   = "reason"
	FieldClientIP = "client_ip"
)

// NewLogger creates a zap.Logger with the specified level, format, and optional file output.
// level can be debug, info, warn, or error. format can be json or console.
// If filePath is empty, logs are written to stdout; otherwise the file is
// rotated once it reaches 10 MiB, keeping 5 backups.
func NewLogger(level, format, filePath string) (*zap.Logger, error) {
	var lvl zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = zapcore.DebugLevel
	case "info", "":
		lvl = zapcore.InfoLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	default:
		lvl = zapcore.InfoLevel
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		CallerKey:      "caller",
		StacktraceKey:  "stacktrace",
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
	}

	var encoder zapcore.Encoder
	if strings.ToLower(format) == "console" {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	var ws zapcore.WriteSyncer = zapcore.Lock(os.Stdout)
	if filePath != "" {
		rw, err := newRotateWriter(filePath, 0, 0)
		if err != nil {
			return nil, err
		}
		ws = rw
	}

	core := zapcore.NewCore(encoder, ws, lvl)
	return zap.New(core), nil
}

// TokenID returns a zap field with the obfuscated token id.
func TokenID(id string) zap.Field {
	return zap.String(FieldTokenID, obfuscate.ObfuscateID(id))
}

// TenantID returns a zap field for the tenant.
func TenantID(id string) zap.Field {
	return zap.String(FieldTenantID, id)
}

// AuditID returns a zap field for an audit event id.
func AuditID(id string) zap.Field {
	return zap.String(FieldAuditID, id)
}
