package store

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	sqlStore
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	inMemory := dsn == ":memory:"
	if inMemory {
		dsn = "file::memory:"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// An in-memory database lives only as long as its connection, so pin the
	// pool to one connection. File databases share writers through WAL.
	if inMemory {
		db.SetMaxOpenConns(1)
	} else {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set busy timeout: %w", err)
		}
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{sqlStore{db: db}}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) addColumnIfNotExists(table, column, definition string) error {
	_, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	if err != nil && strings.Contains(err.Error(), "duplicate column") {
		return nil
	}
	return err
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS api_tokens (
			id TEXT PRIMARY KEY,
			token_hash TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			user_id TEXT,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME,
			last_used_at DATETIME,
			daily_image_limit INTEGER NOT NULL DEFAULT 10,
			today_image_count INTEGER NOT NULL DEFAULT 0,
			last_reset_date TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_tokens_user_id ON api_tokens(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_api_tokens_is_active ON api_tokens(is_active)`,
		`CREATE TABLE IF NOT EXISTS image_tasks (
			id TEXT PRIMARY KEY,
			prompt TEXT NOT NULL,
			size TEXT,
			quality TEXT,
			style TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			image_data TEXT,
			image_url TEXT,
			revised_prompt TEXT,
			error_message TEXT,
			email TEXT,
			user_id TEXT,
			job_id TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME,
			completed_at DATETIME,
			email_sent INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_image_tasks_status ON image_tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_image_tasks_user_id ON image_tasks(user_id)`,
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			mac_address TEXT NOT NULL UNIQUE,
			owner_user_id TEXT,
			status INTEGER NOT NULL DEFAULT 0,
			metadata TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME,
			last_seen_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_owner_user_id ON devices(owner_user_id)`,
		`CREATE TABLE IF NOT EXISTS device_connections (
			connection_id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			user_id TEXT,
			connected_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_heartbeat_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_device_connections_device_id ON device_connections(device_id)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			target_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}

	// Columns added after the first release.
	columnMigrations := []struct {
		table, column, definition string
	}{
		{"image_tasks", "revised_prompt", "TEXT"},
	}
	for _, cm := range columnMigrations {
		if err := s.addColumnIfNotExists(cm.table, cm.column, cm.definition); err != nil {
			return fmt.Errorf("add column %s.%s: %w", cm.table, cm.column, err)
		}
	}

	return nil
}
