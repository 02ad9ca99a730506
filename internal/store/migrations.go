package store

import (
	"fmt"
)

func (s *Store) migrate() error {
	return s.migrateV1()
}

func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS queue_actions (
		position INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		project_id TEXT NOT NULL DEFAULT '',
		payload BLOB,
		priority TEXT NOT NULL DEFAULT 'normal',
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		error_type TEXT,
		paused INTEGER NOT NULL DEFAULT 0,
		enqueued_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_queue_entity ON queue_actions(entity_type, entity_id);
	CREATE INDEX IF NOT EXISTS idx_queue_priority ON queue_actions(priority);

	CREATE TABLE IF NOT EXISTS dead_letters (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		failed_at INTEGER NOT NULL,
		reason TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_dlq_failed_at ON dead_letters(failed_at);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '1');
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v1: %w", err)
	}

	return nil
}
