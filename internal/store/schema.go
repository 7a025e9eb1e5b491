package store

import "fmt"

// Schema evolution is additive and idempotent: CREATE TABLE/ADD COLUMN with
// IF NOT EXISTS, so re-running Migrate against any older layout is a no-op.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id SERIAL PRIMARY KEY,
		remote_url TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL,
		media_format TEXT NOT NULL DEFAULT 'bestvideo+bestaudio/best',
		quality TEXT NOT NULL DEFAULT '1080p',
		auto_fetch BOOLEAN NOT NULL DEFAULT TRUE,
		library_folder_id TEXT,
		last_checked_at TIMESTAMPTZ,
		observed_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS items (
		id BIGSERIAL PRIMARY KEY,
		subscription_id INTEGER REFERENCES subscriptions(id) ON DELETE CASCADE,
		external_id TEXT NOT NULL,
		title TEXT,
		status TEXT NOT NULL DEFAULT 'PENDING',
		fetched BOOLEAN NOT NULL DEFAULT FALSE,
		library_linked BOOLEAN NOT NULL DEFAULT FALSE,
		library_item_id TEXT,
		lock_token TEXT,
		lock_acquired_at TIMESTAMPTZ,
		duplicate BOOLEAN NOT NULL DEFAULT FALSE,
		master_item_id BIGINT,
		failure_reason TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (subscription_id, external_id)
	)`,
	`CREATE TABLE IF NOT EXISTS staging_records (
		id BIGSERIAL PRIMARY KEY,
		library_item_id TEXT NOT NULL,
		external_id TEXT NOT NULL,
		source_url TEXT NOT NULL DEFAULT '',
		detected_name TEXT NOT NULL DEFAULT '',
		confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		duplicate BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (library_item_id)
	)`,
	`CREATE TABLE IF NOT EXISTS api_tokens (
		id BIGSERIAL PRIMARY KEY,
		token TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		feed_uuid TEXT NOT NULL UNIQUE DEFAULT gen_random_uuid()::text,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS items_external_id_idx ON items (external_id)`,
	`ALTER TABLE items ADD COLUMN IF NOT EXISTS library_item_id TEXT`,
	`ALTER TABLE items ADD COLUMN IF NOT EXISTS failure_reason TEXT`,
	`ALTER TABLE subscriptions ADD COLUMN IF NOT EXISTS observed_count INTEGER NOT NULL DEFAULT 0`,
}

// Migrate brings the schema up to date.
func (s *Store) Migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}
