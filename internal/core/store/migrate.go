package store

import (
	"context"
	"errors"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS rate_limit_status (
		account_id TEXT PRIMARY KEY,
		count_15min INTEGER NOT NULL DEFAULT 0,
		count_daily INTEGER NOT NULL DEFAULT 0,
		window_start_15min INTEGER NOT NULL,
		window_start_daily INTEGER NOT NULL,
		last_reset_15min INTEGER NOT NULL,
		last_reset_daily INTEGER NOT NULL,
		version INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE TABLE IF NOT EXISTS sync_queue (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		cursor TEXT NOT NULL,
		reason TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		enqueued_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		last_error TEXT
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_queue_active
		ON sync_queue(user_id, cursor, reason)
		WHERE status IN ('pending', 'in_flight');`,
	`CREATE INDEX IF NOT EXISTS idx_sync_queue_claim
		ON sync_queue(status, reason, enqueued_at);`,
	`CREATE TABLE IF NOT EXISTS sync_leases (
		scope TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		acquired_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS activities (
		user_id TEXT NOT NULL,
		activity_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		fetched_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, activity_id)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_activities_fetched ON activities(user_id, fetched_at);`,
}

// Migrate ensures the required database tables exist.
func (s *Store) Migrate(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	for _, stmt := range schemaStatements {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store migration failed: %w", err)
		}
	}

	return nil
}
