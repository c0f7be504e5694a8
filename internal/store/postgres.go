package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	sqlStore
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{sqlStore{db: db, postgres: true}}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS api_tokens (
			id TEXT PRIMARY KEY,
			token_hash TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			user_id TEXT,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ,
			last_used_at TIMESTAMPTZ,
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
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			email_sent BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_image_tasks_status ON image_tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_image_tasks_user_id ON image_tasks(user_id)`,
		`CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			mac_address TEXT NOT NULL UNIQUE,
			owner_user_id TEXT,
			status INTEGER NOT NULL DEFAULT 0,
			metadata TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ,
			last_seen_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_owner_user_id ON devices(owner_user_id)`,
		`CREATE TABLE IF NOT EXISTS device_connections (
			connection_id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			user_id TEXT,
			connected_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_heartbeat_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_device_connections_device_id ON device_connections(device_id)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			target_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action)`,
		`ALTER TABLE image_tasks ADD COLUMN IF NOT EXISTS revised_prompt TEXT`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}
