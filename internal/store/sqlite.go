package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/sofatutor/droptoken/internal/audit"
	"github.com/sofatutor/droptoken/internal/token"
)

// timeLayout is used for every timestamp column so values sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteConfig contains the database configuration.
type SQLiteConfig struct {
	// Path is the path to the SQLite database file, or ":memory:".
	Path string
	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int
	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int
	// ConnMaxLifetime is the maximum amount of time a connection may be reused.
	ConnMaxLifetime time.Duration
}

// DefaultSQLiteConfig returns a default database configuration.
func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{
		Path:            "data/droptoken.db",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
}

// SQLiteStore implements TokenStore, AccessLogStore and audit.Sink on SQLite.
type SQLiteStore struct {
	db    *sql.DB
	locks *KeyedMutex
}

// NewSQLiteStore opens the database and applies pending migrations.
func NewSQLiteStore(config SQLiteConfig) (*SQLiteStore, error) {
	memory := config.Path == ":memory:"
	if !memory {
		if err := ensureDirExists(filepath.Dir(config.Path)); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// immediate transactions take the write lock up front so concurrent
	// read-modify-write cycles queue on busy_timeout instead of failing.
	db, err := sql.Open("sqlite3", config.Path+"?_journal=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// In-memory databases are per-connection.
	if memory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(config.MaxOpenConns)
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := NewMigrationRunner(db).Up(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return &SQLiteStore{db: db, locks: NewKeyedMutex()}, nil
}

// DB returns the underlying connection pool.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func ensureDirExists(dir string) error {
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return os.MkdirAll(dir, 0755)
	} else if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path %s exists and is not a directory", dir)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const tokenColumns = `id, scope, issued_at, expires_at, issued_by, status, session_restrictions, audit_trail`

func scanToken(row rowScanner) (token.DropToken, error) {
	var (
		t                          token.DropToken
		scopeJSON, issued, expires string
		status, trailJSON          string
		restrictionsJSON           sql.NullString
	)
	if err := row.Scan(&t.ID, &scopeJSON, &issued, &expires, &t.IssuedBy, &status, &restrictionsJSON, &trailJSON); err != nil {
		return token.DropToken{}, err
	}
	if err := json.Unmarshal([]byte(scopeJSON), &t.Scope); err != nil {
		return token.DropToken{}, fmt.Errorf("failed to decode scope: %w", err)
	}
	var err error
	if t.IssuedAt, err = time.Parse(timeLayout, issued); err != nil {
		return token.DropToken{}, fmt.Errorf("failed to parse issued_at: %w", err)
	}
	if t.ExpiresAt, err = time.Parse(timeLayout, expires); err != nil {
		return token.DropToken{}, fmt.Errorf("failed to parse expires_at: %w", err)
	}
	t.Status = token.Status(status)
	if restrictionsJSON.Valid {
		t.SessionRestrictions = &token.SessionRestrictions{}
		if err := json.Unmarshal([]byte(restrictionsJSON.String), t.SessionRestrictions); err != nil {
			return token.DropToken{}, fmt.Errorf("failed to decode session restrictions: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(trailJSON), &t.AuditTrail); err != nil {
		return token.DropToken{}, fmt.Errorf("failed to decode audit trail: %w", err)
	}
	if t.AuditTrail == nil {
		t.AuditTrail = []string{}
	}
	return t, nil
}

// tokenArgs returns the encoded column values in tokenColumns order.
func tokenArgs(t token.DropToken) ([]any, error) {
	scopeJSON, err := json.Marshal(t.Scope)
	if err != nil {
		return nil, fmt.Errorf("failed to encode scope: %w", err)
	}
	var restrictions *string
	if t.SessionRestrictions != nil {
		b, err := json.Marshal(t.SessionRestrictions)
		if err != nil {
			return nil, fmt.Errorf("failed to encode session restrictions: %w", err)
		}
		s := string(b)
		restrictions = &s
	}
	trail := t.AuditTrail
	if trail == nil {
		trail = []string{}
	}
	trailJSON, err := json.Marshal(trail)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit trail: %w", err)
	}
	return []any{
		t.ID,
		string(scopeJSON),
		t.IssuedAt.UTC().Format(timeLayout),
		t.ExpiresAt.UTC().Format(timeLayout),
		t.IssuedBy,
		string(t.Status),
		restrictions,
		string(trailJSON),
	}, nil
}

// Get implements TokenStore.
func (s *SQLiteStore) Get(ctx context.Context, id string) (token.DropToken, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM drop_tokens WHERE id = ?`, id)
	t, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return token.DropToken{}, ErrNotFound
	}
	if err != nil {
		return token.DropToken{}, fmt.Errorf("failed to get token: %w", err)
	}
	return t, nil
}

// Put implements TokenStore.
func (s *SQLiteStore) Put(ctx context.Context, t token.DropToken) error {
	unlock := s.locks.Lock(t.ID)
	defer unlock()

	args, err := tokenArgs(t)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO drop_tokens (`+tokenColumns+`, tenant_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		append(args, t.Scope.TenantID)...)
	if err != nil {
		return fmt.Errorf("failed to insert token: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrTokenExists
	}
	return nil
}

// Update implements TokenStore. The read, fn and write happen in one
// transaction while the per-id lock is held.
func (s *SQLiteStore) Update(ctx context.Context, id string, fn UpdateFunc) (token.DropToken, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return token.DropToken{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanToken(tx.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM drop_tokens WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return token.DropToken{}, ErrNotFound
	}
	if err != nil {
		return token.DropToken{}, fmt.Errorf("failed to load token: %w", err)
	}

	if err := fn(&current); err != nil {
		return token.DropToken{}, err
	}
	current.ID = id

	args, err := tokenArgs(current)
	if err != nil {
		return token.DropToken{}, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE drop_tokens
		SET scope = ?, issued_at = ?, expires_at = ?, issued_by = ?, status = ?,
			session_restrictions = ?, audit_trail = ?, tenant_id = ?
		WHERE id = ?`,
		args[1], args[2], args[3], args[4], args[5], args[6], args[7], current.Scope.TenantID, id)
	if err != nil {
		return token.DropToken{}, fmt.Errorf("failed to update token: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return token.DropToken{}, fmt.Errorf("failed to commit token update: %w", err)
	}
	return current, nil
}

// List implements TokenStore.
func (s *SQLiteStore) List(ctx context.Context) ([]token.DropToken, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tokenColumns+` FROM drop_tokens ORDER BY issued_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []token.DropToken{}
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan token: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tokens: %w", err)
	}
	return out, nil
}

// Init implements AccessLogStore. Logs are rows keyed by token id, so an
// empty log needs no row.
func (s *SQLiteStore) Init(context.Context, string) error {
	return nil
}

// Append implements AccessLogStore.
func (s *SQLiteStore) Append(ctx context.Context, e token.AccessLogEntry) error {
	var sourceIP, reason *string
	if e.SourceIP != "" {
		sourceIP = &e.SourceIP
	}
	if e.Reason != "" {
		reason = &e.Reason
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO access_log (id, token_id, accessor_id, action, artifact_ref, timestamp, source_ip, result, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TokenID, e.AccessorID, string(e.Action), e.ArtifactRef,
		e.Timestamp.UTC().Format(timeLayout), sourceIP, string(e.Result), reason)
	if err != nil {
		return fmt.Errorf("failed to append access log entry: %w", err)
	}
	return nil
}

// Entries implements AccessLogStore.
func (s *SQLiteStore) Entries(ctx context.Context, tokenID string) ([]token.AccessLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, token_id, accessor_id, action, artifact_ref, timestamp, source_ip, result, reason
		FROM access_log WHERE token_id = ? ORDER BY seq`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("failed to list access log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []token.AccessLogEntry{}
	for rows.Next() {
		var (
			e                  token.AccessLogEntry
			action, ts, result string
			sourceIP, reason   sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TokenID, &e.AccessorID, &action, &e.ArtifactRef, &ts, &sourceIP, &result, &reason); err != nil {
			return nil, fmt.Errorf("failed to scan access log entry: %w", err)
		}
		if e.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
			return nil, fmt.Errorf("failed to parse access log timestamp: %w", err)
		}
		e.Action = token.Permission(action)
		e.Result = token.AccessResult(result)
		e.SourceIP = sourceIP.String
		e.Reason = reason.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate access log: %w", err)
	}
	return out, nil
}

// Write implements audit.Sink.
func (s *SQLiteStore) Write(ctx context.Context, event *audit.Event) error {
	if event == nil {
		return fmt.Errorf("audit event cannot be nil")
	}
	var details *string
	if len(event.Details) > 0 {
		b, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal audit event details: %w", err)
		}
		d := string(b)
		details = &d
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, timestamp, action, actor, tenant_id, token_id, client_ip, result, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Timestamp.UTC().Format(timeLayout), event.Action, event.Actor,
		nullString(event.TenantID), nullString(event.TokenID), nullString(event.ClientIP),
		string(event.Result), details)
	if err != nil {
		return fmt.Errorf("failed to store audit event: %w", err)
	}
	return nil
}

// AuditEventFilters narrows ListAuditEvents.
type AuditEventFilters struct {
	Action   string
	TenantID string
	Limit    int
}

// ListAuditEvents returns stored audit events, oldest first.
func (s *SQLiteStore) ListAuditEvents(ctx context.Context, filters AuditEventFilters) ([]audit.Event, error) {
	query := `SELECT id, timestamp, action, actor, tenant_id, token_id, client_ip, result, details FROM audit_events WHERE 1=1`
	var args []any
	if filters.Action != "" {
		query += ` AND action = ?`
		args = append(args, filters.Action)
	}
	if filters.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, filters.TenantID)
	}
	query += ` ORDER BY timestamp, id`
	if filters.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filters.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []audit.Event{}
	for rows.Next() {
		var (
			e                           audit.Event
			ts, result                  string
			tenantID, tokenID, clientIP sql.NullString
			details                     sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.Action, &e.Actor, &tenantID, &tokenID, &clientIP, &result, &details); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if e.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
			return nil, fmt.Errorf("failed to parse audit timestamp: %w", err)
		}
		e.TenantID, e.TokenID, e.ClientIP = tenantID.String, tokenID.String, clientIP.String
		e.Result = audit.ResultType(result)
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("failed to decode audit details: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit events: %w", err)
	}
	return out, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
