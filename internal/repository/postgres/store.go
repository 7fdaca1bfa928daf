// Package postgres implements the engine's repository capability against
// PostgreSQL. No SQL leaks out of this package; callers speak in domain types.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// Store bundles the campaign, message, and retry-policy repositories over a
// single connection pool. Safe for concurrent use.
type Store struct{ db *sql.DB }

// NewStore creates a Postgres-backed store.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// EnsureSchema creates the engine tables if they do not exist. Idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS blast_campaigns (
			id UUID PRIMARY KEY,
			owner_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			name TEXT NOT NULL,
			template TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'idle',
			config JSONB NOT NULL DEFAULT '{}',
			last_error TEXT NOT NULL DEFAULT '',
			total_count INT NOT NULL DEFAULT 0,
			sent_count INT NOT NULL DEFAULT 0,
			failed_count INT NOT NULL DEFAULT 0,
			skipped_count INT NOT NULL DEFAULT 0,
			current_index INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at TIMESTAMPTZ,
			paused_at TIMESTAMPTZ,
			resumed_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			stopped_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS blast_messages (
			id BIGSERIAL PRIMARY KEY,
			campaign_id UUID NOT NULL REFERENCES blast_campaigns(id) ON DELETE CASCADE,
			idx INT NOT NULL,
			phone TEXT NOT NULL,
			contact_name TEXT NOT NULL DEFAULT '',
			variables JSONB NOT NULL DEFAULT '{}',
			rendered_text TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INT NOT NULL DEFAULT 0,
			max_attempts INT NOT NULL DEFAULT 3,
			messenger_message_id TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			processing_started_at TIMESTAMPTZ,
			sent_at TIMESTAMPTZ,
			failed_at TIMESTAMPTZ,
			scheduled_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (campaign_id, idx)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_blast_messages_claim
			ON blast_messages (campaign_id, status, scheduled_at, idx)`,
		`CREATE TABLE IF NOT EXISTS blast_retry_policies (
			campaign_id UUID PRIMARY KEY REFERENCES blast_campaigns(id) ON DELETE CASCADE,
			enabled BOOLEAN NOT NULL DEFAULT false,
			max_attempts INT NOT NULL DEFAULT 3,
			base_delay_seconds INT NOT NULL DEFAULT 300,
			batch_size INT NOT NULL DEFAULT 10,
			hourly_cap INT NOT NULL DEFAULT 30,
			windowed_only BOOLEAN NOT NULL DEFAULT false,
			window_start_hour INT NOT NULL DEFAULT 9,
			window_end_hour INT NOT NULL DEFAULT 17,
			window_days INT[] NOT NULL DEFAULT '{}',
			paused_until TIMESTAMPTZ,
			attempted INT NOT NULL DEFAULT 0,
			succeeded INT NOT NULL DEFAULT 0,
			failed INT NOT NULL DEFAULT 0
		)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
