// Package store is the durable half of the sync engine: a SQLite-backed
// operation log plus a read-through cache of last-known-good snapshots.
// Every call is independently durable before it returns, so an abrupt
// process exit between two calls never leaves a partial record behind.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const dbFile = "queue.db"

// Store wraps the SQLite connection holding the operation log and cache.
type Store struct {
	conn    *sql.DB
	baseDir string
}

// Open opens (creating if necessary) the store under baseDir and runs
// any pending migrations.
func Open(baseDir string) (*Store, error) {
	dbPath := filepath.Join(baseDir, dbFile)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, unavailable("create store dir", err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, unavailable("open database", err)
	}

	// WAL allows concurrent readers while writes are serialized
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, unavailable("enable WAL mode", err)
	}

	// Busy timeout as fallback protection, matches the write lock timeout
	if _, err := conn.Exec("PRAGMA busy_timeout=500"); err != nil {
		conn.Close()
		return nil, unavailable("set busy timeout", err)
	}

	// Slightly faster writes, still safe with WAL
	conn.Exec("PRAGMA synchronous=NORMAL")

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, unavailable("create schema", err)
	}

	s := &Store{conn: conn, baseDir: baseDir}

	if _, err := s.RunMigrations(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.conn.Close()
}

// BaseDir returns the directory the store lives in.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// withWriteLock executes fn while holding an exclusive cross-process
// write lock, so two client processes sharing a queue directory never
// interleave writes.
func (s *Store) withWriteLock(fn func() error) error {
	locker := newWriteLocker(s.baseDir)
	if err := locker.acquire(defaultTimeout); err != nil {
		return unavailable("acquire write lock", err)
	}
	defer locker.release()
	return fn()
}

// GetSchemaVersion returns the schema version recorded in the database.
func (s *Store) GetSchemaVersion() (int, error) {
	var version string
	err := s.conn.QueryRow(`SELECT value FROM schema_info WHERE key = 'version'`).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, nil // table may not exist yet
	}
	var v int
	fmt.Sscanf(version, "%d", &v)
	return v, nil
}

func (s *Store) setSchemaVersion(version int) error {
	_, err := s.conn.Exec(`INSERT OR REPLACE INTO schema_info (key, value) VALUES ('version', ?)`,
		fmt.Sprintf("%d", version))
	return err
}

// columnExists checks whether a column exists on a table.
func (s *Store) columnExists(table, column string) (bool, error) {
	rows, err := s.conn.Query(fmt.Sprintf("PRAGMA table_info(%s);", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// RunMigrations applies any pending migrations. Returns how many ran.
func (s *Store) RunMigrations() (int, error) {
	current, _ := s.GetSchemaVersion()
	if current >= SchemaVersion {
		return 0, nil
	}

	var migrationsRun int
	err := s.withWriteLock(func() error {
		current, err := s.GetSchemaVersion()
		if err != nil {
			return fmt.Errorf("get schema version: %w", err)
		}

		for _, m := range Migrations {
			if m.Version <= current {
				continue
			}
			// Re-opened databases may already carry the column from a
			// newer binary; skip instead of failing the ALTER.
			if m.Version == 2 {
				exists, err := s.columnExists("operations", "conflict_diff")
				if err != nil {
					return fmt.Errorf("check column conflict_diff: %w", err)
				}
				if exists {
					if err := s.setSchemaVersion(m.Version); err != nil {
						return fmt.Errorf("set version %d: %w", m.Version, err)
					}
					migrationsRun++
					continue
				}
			}
			if _, err := s.conn.Exec(m.SQL); err != nil {
				return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
			}
			if err := s.setSchemaVersion(m.Version); err != nil {
				return fmt.Errorf("set version %d: %w", m.Version, err)
			}
			migrationsRun++
		}

		if current == 0 && migrationsRun == 0 {
			return s.setSchemaVersion(SchemaVersion)
		}
		return nil
	})
	return migrationsRun, err
}

// ClearAll removes every operation and cache entry. Schema is kept.
func (s *Store) ClearAll() error {
	return s.withWriteLock(func() error {
		if _, err := s.conn.Exec(`DELETE FROM operations`); err != nil {
			return unavailable("clear operations", err)
		}
		if _, err := s.conn.Exec(`DELETE FROM cache`); err != nil {
			return unavailable("clear cache", err)
		}
		return nil
	})
}
