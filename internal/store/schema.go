// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"fmt"
)

// All columns live in the initial CREATE TABLE statements; the runner is
// idempotent so startup needs no separate migration bookkeeping until the
// schema actually changes (versioned ALTERs get appended here then).
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS throttle_profiles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		requests_per_minute INTEGER NOT NULL,
		daily_budget INTEGER,
		batch_size INTEGER NOT NULL,
		batch_cooldown_seconds INTEGER NOT NULL,
		rate_limit_pause_seconds INTEGER NOT NULL,
		is_default INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS connectors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		dialect TEXT NOT NULL CHECK (dialect IN ('tv-sonarr','movie-radarr','tv-whisparr')),
		name TEXT NOT NULL UNIQUE,
		base_url TEXT NOT NULL,
		api_key BLOB NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		health TEXT NOT NULL DEFAULT 'unknown',
		throttle_profile_id INTEGER REFERENCES throttle_profiles(id) ON DELETE SET NULL,
		queue_paused INTEGER NOT NULL DEFAULT 0,
		last_sync_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS sync_state (
		connector_id INTEGER PRIMARY KEY REFERENCES connectors(id) ON DELETE CASCADE,
		last_incremental_at INTEGER,
		last_reconcile_at INTEGER,
		consecutive_failures INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS series (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connector_id INTEGER NOT NULL REFERENCES connectors(id) ON DELETE CASCADE,
		upstream_id INTEGER NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		monitored INTEGER NOT NULL DEFAULT 0,
		UNIQUE (connector_id, upstream_id)
	)`,

	`CREATE TABLE IF NOT EXISTS seasons (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connector_id INTEGER NOT NULL REFERENCES connectors(id) ON DELETE CASCADE,
		series_id INTEGER NOT NULL REFERENCES series(id) ON DELETE CASCADE,
		season_number INTEGER NOT NULL,
		monitored INTEGER NOT NULL DEFAULT 0,
		UNIQUE (connector_id, series_id, season_number)
	)`,

	`CREATE TABLE IF NOT EXISTS episodes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connector_id INTEGER NOT NULL REFERENCES connectors(id) ON DELETE CASCADE,
		series_id INTEGER NOT NULL REFERENCES series(id) ON DELETE CASCADE,
		season_id INTEGER NOT NULL REFERENCES seasons(id) ON DELETE CASCADE,
		upstream_id INTEGER NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		monitored INTEGER NOT NULL DEFAULT 0,
		has_file INTEGER NOT NULL DEFAULT 0,
		quality_cutoff_not_met INTEGER NOT NULL DEFAULT 0,
		quality TEXT NOT NULL DEFAULT '',
		first_downloaded_at INTEGER,
		file_lost_at INTEGER,
		file_loss_count INTEGER NOT NULL DEFAULT 0,
		UNIQUE (connector_id, upstream_id)
	)`,

	`CREATE TABLE IF NOT EXISTS movies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connector_id INTEGER NOT NULL REFERENCES connectors(id) ON DELETE CASCADE,
		upstream_id INTEGER NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		monitored INTEGER NOT NULL DEFAULT 0,
		has_file INTEGER NOT NULL DEFAULT 0,
		quality_cutoff_not_met INTEGER NOT NULL DEFAULT 0,
		quality TEXT NOT NULL DEFAULT '',
		first_downloaded_at INTEGER,
		file_lost_at INTEGER,
		file_loss_count INTEGER NOT NULL DEFAULT 0,
		UNIQUE (connector_id, upstream_id)
	)`,

	// content_id is deliberately NOT a foreign key; it points at either
	// episodes or movies depending on content_kind, and cleanup is explicit.
	`CREATE TABLE IF NOT EXISTS search_registry (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connector_id INTEGER NOT NULL REFERENCES connectors(id) ON DELETE CASCADE,
		content_kind TEXT NOT NULL CHECK (content_kind IN ('episode','movie')),
		content_id INTEGER NOT NULL,
		state TEXT NOT NULL DEFAULT 'pending'
			CHECK (state IN ('pending','queued','searching','cooldown','exhausted')),
		search_type TEXT NOT NULL CHECK (search_type IN ('gap','upgrade')),
		priority INTEGER NOT NULL DEFAULT 0 CHECK (priority BETWEEN 0 AND 100),
		attempt_count INTEGER NOT NULL DEFAULT 0,
		failure_category TEXT,
		next_eligible_at INTEGER,
		season_pack_failed INTEGER NOT NULL DEFAULT 0,
		last_searched_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE (connector_id, content_kind, content_id)
	)`,

	`CREATE TABLE IF NOT EXISTS request_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		registry_id INTEGER NOT NULL UNIQUE REFERENCES search_registry(id) ON DELETE CASCADE,
		connector_id INTEGER NOT NULL REFERENCES connectors(id) ON DELETE CASCADE,
		priority INTEGER NOT NULL DEFAULT 0,
		scheduled_at INTEGER,
		created_at INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS throttle_state (
		connector_id INTEGER PRIMARY KEY REFERENCES connectors(id) ON DELETE CASCADE,
		minute_start INTEGER,
		requests_this_minute INTEGER NOT NULL DEFAULT 0,
		day_start INTEGER,
		requests_today INTEGER NOT NULL DEFAULT 0,
		batch_start INTEGER,
		requests_this_batch INTEGER NOT NULL DEFAULT 0,
		paused_until INTEGER,
		pause_reason TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS pending_commands (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connector_id INTEGER NOT NULL REFERENCES connectors(id) ON DELETE CASCADE,
		registry_id INTEGER,
		content_kind TEXT NOT NULL CHECK (content_kind IN ('episode','movie')),
		content_id INTEGER NOT NULL,
		command_id INTEGER NOT NULL,
		dispatched_at INTEGER NOT NULL,
		file_acquired INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS search_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		connector_id INTEGER NOT NULL REFERENCES connectors(id) ON DELETE CASCADE,
		content_kind TEXT NOT NULL,
		content_id INTEGER NOT NULL,
		search_type TEXT NOT NULL,
		outcome TEXT NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 0,
		elapsed_ms INTEGER,
		detail TEXT,
		created_at INTEGER NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_episodes_gaps
		ON episodes (connector_id, monitored, has_file)`,
	`CREATE INDEX IF NOT EXISTS idx_episodes_upgrades
		ON episodes (connector_id, monitored, has_file, quality_cutoff_not_met)`,
	`CREATE INDEX IF NOT EXISTS idx_movies_gaps
		ON movies (connector_id, monitored, has_file)`,
	`CREATE INDEX IF NOT EXISTS idx_registry_dispatch
		ON search_registry (connector_id, state, next_eligible_at)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_order
		ON request_queue (connector_id, priority, scheduled_at)`,
	`CREATE INDEX IF NOT EXISTS idx_commands_match
		ON pending_commands (connector_id, content_kind, content_id, file_acquired)`,
	`CREATE INDEX IF NOT EXISTS idx_commands_age
		ON pending_commands (dispatched_at)`,
	`CREATE INDEX IF NOT EXISTS idx_history_listing
		ON search_history (connector_id, created_at)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}
