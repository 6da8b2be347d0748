package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/gmackie/control-panel-sub003/internal/logging"
	"github.com/gmackie/control-panel-sub003/internal/monitor/events"
)

// Options configures an AuditLog
type Options struct {
	Driver string
	DSN    string
	Logger *logging.Logger
	Now    func() time.Time
}

// AuditLog appends every bus event to an events table. It only writes what
// it is handed; nothing in the engine reads it back.
type AuditLog struct {
	db     *sql.DB
	driver string
	logger *logging.Logger
	now    func() time.Time
}

// Open connects to the database and applies pending migrations
func Open(opts Options) (*AuditLog, error) {
	if opts.Driver == "" {
		opts.Driver = DriverSQLite
	}
	switch opts.Driver {
	case DriverSQLite, DriverSQLite3, DriverMySQL:
	default:
		return nil, fmt.Errorf("unsupported audit driver %q", opts.Driver)
	}

	if opts.Driver != DriverMySQL {
		if err := ensureDir(opts.DSN); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open(opts.Driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	a := &AuditLog{
		db:     db,
		driver: opts.Driver,
		logger: logging.OrNop(opts.Logger),
		now:    opts.Now,
	}
	if a.now == nil {
		a.now = time.Now
	}

	if err := a.initialize(opts.DSN); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return a, nil
}

func (a *AuditLog) initialize(dsn string) error {
	if a.isSQLite() {
		// Each connection to an in-memory database is a separate database
		if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
			a.db.SetMaxOpenConns(1)
		} else {
			if _, err := a.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
				return fmt.Errorf("failed to enable WAL mode: %w", err)
			}
		}
		if _, err := a.db.Exec("PRAGMA busy_timeout=5000"); err != nil {
			return fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	}

	if err := a.db.Ping(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	return NewMigrationManager(a.db, a.logger).ApplyMigrations()
}

// ensureDir creates the parent directory of a file-backed SQLite DSN
func ensureDir(dsn string) error {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create database directory %s: %w", dir, err)
	}
	return nil
}

func (a *AuditLog) isSQLite() bool {
	return a.driver == DriverSQLite || a.driver == DriverSQLite3
}

// HandleEvent implements events.Subscriber
func (a *AuditLog) HandleEvent(e events.Event) error {
	_, err := a.Record(context.Background(), e)
	return err
}

// Record stores one event and returns its record
func (a *AuditLog) Record(ctx context.Context, e events.Event) (EventRecord, error) {
	rec := EventRecord{
		ID:        uuid.NewString(),
		Kind:      string(e.Kind),
		Subject:   e.Subject,
		Severity:  e.Severity,
		Message:   e.Message,
		CreatedAt: e.Timestamp,
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = a.now()
	}

	var payload sql.NullString
	if e.Payload != nil {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return EventRecord{}, fmt.Errorf("failed to encode payload for %s: %w", e.Kind, err)
		}
		rec.Payload = data
		payload = sql.NullString{String: string(data), Valid: true}
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO events (id, kind, subject, severity, message, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Kind, rec.Subject, rec.Severity, rec.Message, payload, rec.CreatedAt.UnixNano())
	if err != nil {
		return EventRecord{}, fmt.Errorf("failed to insert event: %w", err)
	}
	return rec, nil
}

// ListEvents returns matching events, newest first
func (a *AuditLog) ListEvents(ctx context.Context, filter EventFilter) ([]EventRecord, error) {
	var where []string
	var args []interface{}

	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.Subject != "" {
		where = append(where, "subject = ?")
		args = append(args, filter.Subject)
	}
	if !filter.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, filter.Since.UnixNano())
	}
	if !filter.Until.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, filter.Until.UnixNano())
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := "SELECT id, kind, subject, severity, message, payload, created_at FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id LIMIT ?"
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var rec EventRecord
		var message, payload sql.NullString
		var createdAt int64
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Subject, &rec.Severity, &message, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		rec.Message = message.String
		if payload.Valid {
			rec.Payload = json.RawMessage(payload.String)
		}
		rec.CreatedAt = time.Unix(0, createdAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Cleanup deletes events older than retention and returns how many went
func (a *AuditLog) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := a.now().Add(-retention)
	res, err := a.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted events: %w", err)
	}
	return n, nil
}

// Stats reports totals and the time range held
func (a *AuditLog) Stats(ctx context.Context) (*RetentionStats, error) {
	stats := &RetentionStats{
		GeneratedAt: a.now(),
		ByKind:      make(map[string]int64),
	}

	var oldest, newest sql.NullInt64
	err := a.db.QueryRowContext(ctx, `
		SELECT MIN(created_at), MAX(created_at), COUNT(*) FROM events
	`).Scan(&oldest, &newest, &stats.TotalEvents)
	if err != nil {
		return nil, fmt.Errorf("failed to get event age stats: %w", err)
	}
	if oldest.Valid {
		t := time.Unix(0, oldest.Int64)
		stats.OldestEvent = &t
	}
	if newest.Valid {
		t := time.Unix(0, newest.Int64)
		stats.NewestEvent = &t
	}

	rows, err := a.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM events GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("failed to get kind stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind string
		var count int64
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("failed to scan kind stats: %w", err)
		}
		stats.ByKind[kind] = count
	}
	return stats, rows.Err()
}

// Close closes the underlying database
func (a *AuditLog) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}
