package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidName  = errors.New("invalid table or column name")
	ErrDatabaseInit = errors.New("database initialization failed")
)

// DB represents the database connection.
type DB struct {
	conn *sql.DB
}

// New creates a new database connection and initializes the schema.
func New(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("%w: failed to create directory: %w", ErrDatabaseInit, err)
	}

	// busy_timeout is per connection, so it goes in the DSN to reach the whole pool.
	conn, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabaseInit, err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(0)
	conn.SetConnMaxIdleTime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: failed to set pragma: %w", ErrDatabaseInit, err)
		}
	}

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	// The file may not exist yet in WAL mode.
	_ = os.Chmod(dbPath, 0600)

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying database connection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// migrate creates the bookkeeping schema. Mirror tables are created on
// demand by MirrorTable.
func (db *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sync_states (
			id TEXT PRIMARY KEY,
			calendar_href TEXT NOT NULL UNIQUE,
			sync_token TEXT,
			ctag TEXT,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS sync_logs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			message TEXT,
			details TEXT,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			events_created INTEGER NOT NULL DEFAULT 0,
			events_updated INTEGER NOT NULL DEFAULT 0,
			events_deleted INTEGER NOT NULL DEFAULT 0,
			events_skipped INTEGER NOT NULL DEFAULT 0,
			calendars_synced INTEGER NOT NULL DEFAULT 0,
			events_processed INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_sync_logs_created_at ON sync_logs(created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS malformed_events (
			id TEXT PRIMARY KEY,
			collection_url TEXT NOT NULL,
			event_path TEXT NOT NULL,
			error_message TEXT NOT NULL,
			discovered_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(collection_url, event_path)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_malformed_events_collection ON malformed_events(collection_url)`,

		// Migration: display names for the collections listing
		`ALTER TABLE sync_states ADD COLUMN display_name TEXT`,

		// Migration: raw payload kept for the error-action hook
		`ALTER TABLE malformed_events ADD COLUMN raw_data TEXT`,
	}

	for _, migration := range migrations {
		if _, err := db.conn.Exec(migration); err != nil {
			if !isDuplicateColumnError(err) {
				return fmt.Errorf("%w: migration failed: %w", ErrDatabaseInit, err)
			}
		}
	}

	return nil
}

// isDuplicateColumnError checks if the error is due to a duplicate column in ALTER TABLE.
func isDuplicateColumnError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "duplicate column") || strings.Contains(errStr, "already exists")
}

// Ping checks the database connection.
func (db *DB) Ping() error {
	return db.conn.Ping()
}
