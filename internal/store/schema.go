package store

import (
	"database/sql"
	"fmt"
)

// entityTables lists the per-entity-type tables. Each carries the envelope
// columns, the indexable fields promoted to real columns, and the full
// record JSON in data.
var entityTables = []string{"blockers", "drawings", "projects", "users"}

// schemaStatements is idempotent; InitSchema can run on every startup.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		sync_status TEXT NOT NULL DEFAULT 'pending',
		created_at TEXT NOT NULL DEFAULT '',
		last_modified TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		project_id TEXT NOT NULL DEFAULT '',
		company_id TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT '',
		data TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_%[1]s_status ON %[1]s(status);`,
	`CREATE INDEX IF NOT EXISTS idx_%[1]s_project ON %[1]s(project_id);`,
	`CREATE INDEX IF NOT EXISTS idx_%[1]s_company ON %[1]s(company_id);`,
	`CREATE INDEX IF NOT EXISTS idx_%[1]s_role ON %[1]s(role);`,
	`CREATE INDEX IF NOT EXISTS idx_%[1]s_sync ON %[1]s(sync_status);`,
}

const queueSchema = `
CREATE TABLE IF NOT EXISTS sync_queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	operation TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	data TEXT NOT NULL,
	priority TEXT NOT NULL DEFAULT 'normal',
	timestamp TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	last_retry TEXT,
	status TEXT NOT NULL DEFAULT 'pending'
);
CREATE INDEX IF NOT EXISTS idx_queue_priority ON sync_queue(priority);
CREATE INDEX IF NOT EXISTS idx_queue_timestamp ON sync_queue(timestamp);
CREATE INDEX IF NOT EXISTS idx_queue_status ON sync_queue(status);
`

const metadataSchema = `
CREATE TABLE IF NOT EXISTS metadata (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// InitSchema creates all tables and secondary indexes if missing.
func InitSchema(db *sql.DB) error {
	for _, table := range entityTables {
		for _, stmt := range schemaStatements {
			if _, err := db.Exec(fmt.Sprintf(stmt, table)); err != nil {
				return fmt.Errorf("failed to create schema for %s: %w", table, err)
			}
		}
	}
	if _, err := db.Exec(queueSchema); err != nil {
		return fmt.Errorf("failed to create sync_queue schema: %w", err)
	}
	if _, err := db.Exec(metadataSchema); err != nil {
		return fmt.Errorf("failed to create metadata schema: %w", err)
	}
	return nil
}
