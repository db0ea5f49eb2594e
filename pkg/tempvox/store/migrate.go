package store

import "fmt"

// migration is one versioned schema step. Statements are per backend
// because the DDL dialects differ (autoincrement keys, boolean types).
type migration struct {
	version  int
	sqlite   []string
	postgres []string
}

var migrations = []migration{
	{
		version: 1,
		sqlite: []string{
			`CREATE TABLE IF NOT EXISTS voice_sessions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id TEXT NOT NULL,
				guild_id TEXT NOT NULL,
				channel_id TEXT NOT NULL,
				channel_name TEXT NOT NULL,
				joined_at DATETIME NOT NULL,
				left_at DATETIME,
				duration_sec INTEGER
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_single_active
				ON voice_sessions(user_id, guild_id) WHERE left_at IS NULL`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_channel ON voice_sessions(channel_id)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_joined ON voice_sessions(joined_at)`,
			`CREATE TABLE IF NOT EXISTS channels (
				discord_id TEXT PRIMARY KEY,
				guild_id TEXT NOT NULL,
				name TEXT NOT NULL,
				position INTEGER NOT NULL DEFAULT 0,
				is_user_room INTEGER NOT NULL DEFAULT 0,
				spawn_id TEXT NOT NULL DEFAULT '',
				owner_id TEXT NOT NULL DEFAULT '',
				owner_since DATETIME,
				previous_owner_id TEXT NOT NULL DEFAULT '',
				active INTEGER NOT NULL DEFAULT 1,
				member_count INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT '',
				last_status_change DATETIME
			)`,
			`CREATE TABLE IF NOT EXISTS owner_prefs (
				owner_id TEXT NOT NULL,
				guild_id TEXT NOT NULL,
				preferred_name TEXT NOT NULL DEFAULT '',
				preferred_limit INTEGER,
				preferred_locked INTEGER,
				preferred_hidden INTEGER,
				banned_users TEXT NOT NULL DEFAULT '[]',
				muted_users TEXT NOT NULL DEFAULT '[]',
				deafened_users TEXT NOT NULL DEFAULT '[]',
				kicked_users TEXT NOT NULL DEFAULT '[]',
				renamed_users TEXT NOT NULL DEFAULT '[]',
				last_updated DATETIME NOT NULL,
				PRIMARY KEY (owner_id, guild_id)
			)`,
			`CREATE TABLE IF NOT EXISTS mod_history (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				owner_id TEXT NOT NULL,
				guild_id TEXT NOT NULL,
				action TEXT NOT NULL,
				target_user_id TEXT NOT NULL,
				channel_id TEXT NOT NULL,
				reason TEXT NOT NULL DEFAULT '',
				at DATETIME NOT NULL
			)`,
		},
		postgres: []string{
			`CREATE TABLE IF NOT EXISTS voice_sessions (
				id BIGSERIAL PRIMARY KEY,
				user_id TEXT NOT NULL,
				guild_id TEXT NOT NULL,
				channel_id TEXT NOT NULL,
				channel_name TEXT NOT NULL,
				joined_at TIMESTAMPTZ NOT NULL,
				left_at TIMESTAMPTZ,
				duration_sec BIGINT
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_single_active
				ON voice_sessions(user_id, guild_id) WHERE left_at IS NULL`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_channel ON voice_sessions(channel_id)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_joined ON voice_sessions(joined_at)`,
			`CREATE TABLE IF NOT EXISTS channels (
				discord_id TEXT PRIMARY KEY,
				guild_id TEXT NOT NULL,
				name TEXT NOT NULL,
				position INTEGER NOT NULL DEFAULT 0,
				is_user_room BOOLEAN NOT NULL DEFAULT FALSE,
				spawn_id TEXT NOT NULL DEFAULT '',
				owner_id TEXT NOT NULL DEFAULT '',
				owner_since TIMESTAMPTZ,
				previous_owner_id TEXT NOT NULL DEFAULT '',
				active BOOLEAN NOT NULL DEFAULT TRUE,
				member_count INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT '',
				last_status_change TIMESTAMPTZ
			)`,
			`CREATE TABLE IF NOT EXISTS owner_prefs (
				owner_id TEXT NOT NULL,
				guild_id TEXT NOT NULL,
				preferred_name TEXT NOT NULL DEFAULT '',
				preferred_limit INTEGER,
				preferred_locked BOOLEAN,
				preferred_hidden BOOLEAN,
				banned_users TEXT NOT NULL DEFAULT '[]',
				muted_users TEXT NOT NULL DEFAULT '[]',
				deafened_users TEXT NOT NULL DEFAULT '[]',
				kicked_users TEXT NOT NULL DEFAULT '[]',
				renamed_users TEXT NOT NULL DEFAULT '[]',
				last_updated TIMESTAMPTZ NOT NULL,
				PRIMARY KEY (owner_id, guild_id)
			)`,
			`CREATE TABLE IF NOT EXISTS mod_history (
				id BIGSERIAL PRIMARY KEY,
				owner_id TEXT NOT NULL,
				guild_id TEXT NOT NULL,
				action TEXT NOT NULL,
				target_user_id TEXT NOT NULL,
				channel_id TEXT NOT NULL,
				reason TEXT NOT NULL DEFAULT '',
				at TIMESTAMPTZ NOT NULL
			)`,
		},
	},
}

// migrate applies all pending migrations in order.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("store: create schema_version: %w", err)
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("store: read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		stmts := m.sqlite
		if s.backend == BackendPostgres {
			stmts = m.postgres
		}
		for _, stmt := range stmts {
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("store: migration %d: %w", m.version, err)
			}
		}
		if _, err := s.db.Exec(s.rebind(`INSERT INTO schema_version (version) VALUES (?)`), m.version); err != nil {
			return fmt.Errorf("store: record migration %d: %w", m.version, err)
		}
		s.logger.Info("schema migrated", "version", m.version)
	}
	return nil
}
