package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/henrik/opsync/internal/models"
	"github.com/henrik/opsync/internal/policy"
	"github.com/henrik/opsync/internal/remote"
	"github.com/henrik/opsync/internal/store"
)

// ErrRecordNotFound is returned by GetRecord when the record exists
// neither locally nor remotely.
var ErrRecordNotFound = errors.New("record not found")

// GetRecord is the read-through path. Fresh cache hits are served
// directly. Stale hits are served immediately while a background
// refresh runs (stale-while-revalidate). Expired entries and misses
// block on a remote fetch; if the remote is unreachable on a miss the
// error propagates, but an expired entry degrades to being served with
// a warning rather than failing the read.
func (e *Engine) GetRecord(ctx context.Context, collection, key string) (*models.CacheEntry, error) {
	entry, err := e.store.GetCache(collection, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if entry != nil {
		switch e.policy.Evaluate(entry, e.clock.Now()) {
		case policy.Fresh:
			return entry, nil
		case policy.Stale:
			go func() {
				bg, cancel := context.WithTimeout(context.Background(), e.cfg.AttemptTimeout)
				defer cancel()
				if _, err := e.RefreshRecord(bg, collection, key); err != nil {
					slog.Debug("background refresh failed", "collection", collection,
						"key", key, "err", err)
				}
			}()
			return entry, nil
		case policy.Expired:
			fresh, err := e.RefreshRecord(ctx, collection, key)
			if err == nil {
				return fresh, nil
			}
			if errors.Is(err, ErrRecordNotFound) {
				return nil, err
			}
			// Offline with only an expired copy: degraded read beats no
			// read for an offline-first client.
			slog.Warn("serving expired cache entry, refresh failed",
				"collection", collection, "key", key, "err", err)
			return entry, nil
		}
	}

	fresh, err := e.RefreshRecord(ctx, collection, key)
	if err != nil {
		return nil, err
	}
	return fresh, nil
}

// RefreshRecord fetches the authoritative snapshot and installs it in
// the cache. A provisional entry is never overwritten: the pending
// operation that produced it still owns the local view.
func (e *Engine) RefreshRecord(ctx context.Context, collection, key string) (*models.CacheEntry, error) {
	rec, err := e.remote.FetchRecord(ctx, collection, key)
	if errors.Is(err, remote.ErrNotFound) {
		return nil, fmt.Errorf("%s:%s: %w", collection, key, ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("refresh %s:%s: %w", collection, key, err)
	}

	if cur, err := e.store.GetCache(collection, key); err == nil && cur.Provisional {
		slog.Debug("refresh skipped, entry is provisional", "collection", collection, "key", key)
		return cur, nil
	}

	if rec.Deleted {
		if err := e.store.DeleteCache(collection, key); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%s:%s: deleted remotely: %w", collection, key, ErrRecordNotFound)
	}

	entry := &models.CacheEntry{
		Collection:  collection,
		Key:         key,
		Data:        rec.Data,
		Version:     rec.Version,
		FetchedAt:   e.clock.Now(),
		Provisional: false,
	}
	if err := e.store.PutCache(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// InvalidateRecord drops one cached snapshot so the next read fetches.
func (e *Engine) InvalidateRecord(collection, key string) error {
	return e.store.DeleteCache(collection, key)
}

// InvalidateCollection drops every snapshot in a collection. Used after
// bulk server-side imports where per-record invalidation is hopeless.
func (e *Engine) InvalidateCollection(collection string) error {
	return e.store.ClearCollection(collection)
}

// ClearCache drops every snapshot across all collections.
func (e *Engine) ClearCache() error {
	return e.store.ClearCache()
}

// PruneExpired evicts entries past the hard expiry. Returns how many
// were evicted.
func (e *Engine) PruneExpired() (int64, error) {
	cutoff := e.policy.PruneCutoff(e.clock.Now())
	n, err := e.store.PruneCacheOlderThan(cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("pruned expired cache entries", "count", n)
	}
	return n, nil
}

// Status is a snapshot of the engine for the status surface.
type Status struct {
	Pending    int
	Failed     int
	Conflicted int
	Processing bool
	// Items holds the full log ordered by (priority, seq), for
	// detailed listings. Nil unless requested.
	Items []models.Operation
}

// Status reports queue totals and whether a drain pass is active.
// withItems includes the full operation list.
func (e *Engine) Status(withItems bool) (*Status, error) {
	counts, err := e.queue.Counts()
	if err != nil {
		return nil, err
	}
	st := &Status{
		Pending:    counts.Pending,
		Failed:     counts.Failed,
		Conflicted: counts.Conflicted,
		Processing: e.IsProcessing(),
	}
	if withItems {
		st.Items, err = e.queue.ListPending()
		if err != nil {
			return nil, err
		}
	}
	return st, nil
}

// Run drains the queue on an interval until ctx is cancelled. Each tick
// also prunes expired cache entries. Connectivity restoration is
// handled implicitly: a tick after the network returns will flush the
// backlog.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("sync loop started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("sync loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := e.SyncNow(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("sync pass failed", "err", err)
			}
			if _, err := e.PruneExpired(); err != nil {
				slog.Warn("cache prune failed", "err", err)
			}
		}
	}
}
