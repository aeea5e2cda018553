package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/henrik/opsync/internal/models"
)

// GetCache returns the cached snapshot for (collection, key).
func (s *Store) GetCache(collection, key string) (*models.CacheEntry, error) {
	var (
		e           models.CacheEntry
		data        string
		provisional int
	)
	err := s.conn.QueryRow(`
		SELECT collection, key, data, version, fetched_at, provisional
		FROM cache WHERE collection = ? AND key = ?
	`, collection, key).Scan(&e.Collection, &e.Key, &data, &e.Version, &e.FetchedAt, &provisional)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("cache %s:%s: %w", collection, key, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable(fmt.Sprintf("get cache %s:%s", collection, key), err)
	}
	e.Data = []byte(data)
	e.Provisional = provisional != 0
	return &e, nil
}

// PutCache atomically replaces the whole snapshot for the entry's key.
// Entries are never partially overwritten.
func (s *Store) PutCache(e *models.CacheEntry) error {
	return s.withWriteLock(func() error {
		provisional := 0
		if e.Provisional {
			provisional = 1
		}
		_, err := s.conn.Exec(`
			INSERT OR REPLACE INTO cache (collection, key, data, version, fetched_at, provisional)
			VALUES (?, ?, ?, ?, ?, ?)
		`, e.Collection, e.Key, string(e.Data), e.Version, e.FetchedAt, provisional)
		if err != nil {
			return unavailable(fmt.Sprintf("put cache %s:%s", e.Collection, e.Key), err)
		}
		return nil
	})
}

// DeleteCache removes a snapshot. No-op if absent.
func (s *Store) DeleteCache(collection, key string) error {
	return s.withWriteLock(func() error {
		if _, err := s.conn.Exec(`DELETE FROM cache WHERE collection = ? AND key = ?`, collection, key); err != nil {
			return unavailable(fmt.Sprintf("delete cache %s:%s", collection, key), err)
		}
		return nil
	})
}

// ListCache returns every snapshot in a collection, or all collections
// when collection is empty.
func (s *Store) ListCache(collection string) ([]models.CacheEntry, error) {
	query := `SELECT collection, key, data, version, fetched_at, provisional FROM cache`
	var args []any
	if collection != "" {
		query += ` WHERE collection = ?`
		args = append(args, collection)
	}
	query += ` ORDER BY collection, key`

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, unavailable("list cache", err)
	}
	defer rows.Close()

	var entries []models.CacheEntry
	for rows.Next() {
		var (
			e           models.CacheEntry
			data        string
			provisional int
		)
		if err := rows.Scan(&e.Collection, &e.Key, &data, &e.Version, &e.FetchedAt, &provisional); err != nil {
			return nil, unavailable("scan cache entry", err)
		}
		e.Data = []byte(data)
		e.Provisional = provisional != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PruneCacheOlderThan evicts non-provisional snapshots fetched before the
// cutoff. Provisional entries are protected: they back unconfirmed
// operations. Returns the number of evicted rows.
func (s *Store) PruneCacheOlderThan(cutoff time.Time) (int64, error) {
	var pruned int64
	err := s.withWriteLock(func() error {
		res, err := s.conn.Exec(`DELETE FROM cache WHERE provisional = 0 AND fetched_at < ?`, cutoff)
		if err != nil {
			return unavailable("prune cache", err)
		}
		pruned, _ = res.RowsAffected()
		return nil
	})
	return pruned, err
}

// ClearCollection removes every snapshot for one collection, bypassing
// freshness windows entirely.
func (s *Store) ClearCollection(collection string) error {
	return s.withWriteLock(func() error {
		if _, err := s.conn.Exec(`DELETE FROM cache WHERE collection = ?`, collection); err != nil {
			return unavailable(fmt.Sprintf("clear collection %s", collection), err)
		}
		return nil
	})
}

// ClearCache removes every snapshot across all collections.
func (s *Store) ClearCache() error {
	return s.withWriteLock(func() error {
		if _, err := s.conn.Exec(`DELETE FROM cache`); err != nil {
			return unavailable("clear cache", err)
		}
		return nil
	})
}
