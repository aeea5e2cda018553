package store

// Migration is a single forward schema migration.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations are applied in order on Open when the stored schema version
// is behind. Version 1 is the base schema and is created directly.
var Migrations = []Migration{
	{
		Version:     2,
		Description: "add conflict_diff column for user-facing conflict state",
		SQL:         `ALTER TABLE operations ADD COLUMN conflict_diff TEXT;`,
	},
}
