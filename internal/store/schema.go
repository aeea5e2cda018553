package store

// SchemaVersion is the current schema version. Bump when adding a migration.
const SchemaVersion = 2

// schema is the initial (version 1) database layout: the append-only
// operation log and the read-through cache of last-known-good snapshots.
const schema = `
CREATE TABLE IF NOT EXISTS operations (
	id              TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	collection      TEXT NOT NULL,
	target_id       TEXT NOT NULL DEFAULT '',
	payload         TEXT,
	base_version    INTEGER,
	base_data       TEXT,
	priority        INTEGER NOT NULL DEFAULT 0,
	enqueued_at     DATETIME NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	attempts        INTEGER NOT NULL DEFAULT 0,
	next_attempt_at DATETIME NOT NULL,
	last_error      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_operations_target ON operations(collection, target_id);
CREATE INDEX IF NOT EXISTS idx_operations_order ON operations(priority);

CREATE TABLE IF NOT EXISTS cache (
	collection  TEXT NOT NULL,
	key         TEXT NOT NULL,
	data        TEXT NOT NULL,
	version     INTEGER NOT NULL DEFAULT 0,
	fetched_at  DATETIME NOT NULL,
	provisional INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (collection, key)
);

CREATE TABLE IF NOT EXISTS schema_info (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`
