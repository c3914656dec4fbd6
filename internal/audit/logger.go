package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

var errLoggerClosed = errors.New("audit logger is closed")

// Logger is a Sink appending one JSON document per line to a file. Lines are
// never rewritten; rotation is left to the operator.
type Logger struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	out      io.Writer
	skipSync bool
	written  int64
}

// LoggerConfig holds configuration for the audit logger
type LoggerConfig struct {
	// FilePath is the path to the audit log file
	FilePath string
	// CreateDir creates missing parent directories
	CreateDir bool
	// SkipSync leaves flushing to the OS instead of syncing after every event
	SkipSync bool
}

// NewLogger opens (or creates) the audit file named in config for appending.
func NewLogger(config LoggerConfig) (*Logger, error) {
	if config.FilePath == "" {
		return nil, fmt.Errorf("audit log file path cannot be empty")
	}
	if config.CreateDir {
		if err := os.MkdirAll(filepath.Dir(config.FilePath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory: %w", err)
		}
	}

	f, err := os.OpenFile(config.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	return &Logger{path: config.FilePath, file: f, out: f, skipSync: config.SkipSync}, nil
}

// NewNullLogger returns a Logger that accepts and discards every event.
func NewNullLogger() *Logger {
	return &Logger{out: io.Discard, skipSync: true}
}

// Write implements Sink.
func (l *Logger) Write(_ context.Context, event *Event) error {
	return l.Log(event)
}

// Log appends event as a single JSON line. Safe for concurrent use.
func (l *Logger) Log(event *Event) error {
	if event == nil {
		return fmt.Errorf("audit event cannot be nil")
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out == nil {
		return errLoggerClosed
	}
	if _, err := l.out.Write(line); err != nil {
		return fmt.Errorf("failed to write audit event %s: %w", event.ID, err)
	}
	l.written++
	if l.file != nil && !l.skipSync {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync audit log: %w", err)
		}
	}
	return nil
}

// Written returns the number of events appended since the logger was opened.
func (l *Logger) Written() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.written
}

// Close closes the file. Later writes fail.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = nil
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// GetPath returns the file path of the audit log
func (l *Logger) GetPath() string {
	return l.path
}
