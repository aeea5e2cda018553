package serverdb

// ServerSchemaVersion is the current server schema version.
const ServerSchemaVersion = 1

// serverSchema is the base schema. Records are versioned rows with
// tombstones; a delete bumps the version and sets deleted so a client
// holding a stale base version gets a conflict, not a silent 404.
// Idempotency rows replay the original success response for duplicate
// mutation deliveries.
const serverSchema = `
CREATE TABLE IF NOT EXISTS records (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	data       TEXT,
	version    INTEGER NOT NULL DEFAULT 1,
	deleted    INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (collection, id)
);

CREATE TABLE IF NOT EXISTS idempotency (
	key        TEXT PRIMARY KEY,
	collection TEXT NOT NULL,
	response   TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_info (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Migration represents a server schema migration.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations lists schema changes after the base schema, in order.
var Migrations = []Migration{}
