package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	entry_id      TEXT NOT NULL UNIQUE,
	created_at    TEXT NOT NULL,
	component     TEXT NOT NULL,
	decision      TEXT NOT NULL,
	context_json  TEXT
);

CREATE INDEX IF NOT EXISTS idx_audit_log_component ON audit_log(component);

CREATE TRIGGER IF NOT EXISTS audit_log_no_update
BEFORE UPDATE ON audit_log
BEGIN
	SELECT RAISE(ABORT, 'audit_log is append-only');
END;

CREATE TRIGGER IF NOT EXISTS audit_log_no_delete
BEFORE DELETE ON audit_log
BEGIN
	SELECT RAISE(ABORT, 'audit_log is append-only');
END;
`

// SQLiteSink stores entries in an insert-only SQLite table
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens a SQLite database and runs migrations.
func NewSQLiteSink(dbPath string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)
	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Name implements Sink
func (s *SQLiteSink) Name() string { return "sqlite" }

// Write implements Sink
func (s *SQLiteSink) Write(ctx context.Context, entry Entry) error {
	var contextJSON interface{}
	if len(entry.Context) > 0 {
		data, err := json.Marshal(entry.Context)
		if err != nil {
			return fmt.Errorf("marshal context: %w", err)
		}
		contextJSON = string(data)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (entry_id, created_at, component, decision, context_json)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.ID,
		entry.Timestamp.UTC().Format(time.RFC3339Nano),
		entry.Component,
		entry.Decision,
		contextJSON,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Entries returns stored entries in insertion order, optionally filtered by component
func (s *SQLiteSink) Entries(ctx context.Context, component string) ([]Entry, error) {
	query := `SELECT entry_id, created_at, component, decision, context_json FROM audit_log`
	var args []interface{}
	if component != "" {
		query += ` WHERE component = ?`
		args = append(args, component)
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry       Entry
			createdAt   string
			contextJSON sql.NullString
		)
		if err := rows.Scan(&entry.ID, &createdAt, &entry.Component, &entry.Decision, &contextJSON); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entry.Timestamp, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		if contextJSON.Valid {
			if err := json.Unmarshal([]byte(contextJSON.String), &entry.Context); err != nil {
				return nil, fmt.Errorf("unmarshal context: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// DB returns the underlying *sql.DB
func (s *SQLiteSink) DB() *sql.DB {
	return s.db
}

// Close implements Sink
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
