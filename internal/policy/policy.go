// Package policy governs staleness of the read-through cache: a
// per-collection freshness window, a hard expiry past which entries are
// evicted rather than served, and stale-while-revalidate in between.
package policy

import (
	"time"

	"github.com/henrik/opsync/internal/models"
)

// Verdict classifies one cache entry against the policy.
type Verdict int

const (
	// Fresh entries are served as-is.
	Fresh Verdict = iota
	// Stale entries are served immediately while a background refresh
	// is scheduled.
	Stale
	// Expired entries are evicted outright, never served.
	Expired
)

func (v Verdict) String() string {
	switch v {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	case Expired:
		return "expired"
	}
	return "unknown"
}

const (
	// DefaultFreshness applies to collections with no explicit window.
	DefaultFreshness = 5 * time.Minute
	// DefaultHardExpiry is the age past which entries are evicted.
	DefaultHardExpiry = 24 * time.Hour
)

// Policy holds the freshness configuration. Zero durations fall back to
// the package defaults.
type Policy struct {
	Default    time.Duration
	HardExpiry time.Duration

	// Windows overrides the freshness window per collection, e.g. a
	// short window for volatile collections like notifications and a
	// long one for historical data.
	Windows map[string]time.Duration
}

// Default returns a policy with package default windows.
func Default() *Policy {
	return &Policy{
		Default:    DefaultFreshness,
		HardExpiry: DefaultHardExpiry,
	}
}

// FreshnessWindow returns the window for a collection.
func (p *Policy) FreshnessWindow(collection string) time.Duration {
	if w, ok := p.Windows[collection]; ok && w > 0 {
		return w
	}
	if p.Default > 0 {
		return p.Default
	}
	return DefaultFreshness
}

func (p *Policy) hardExpiry() time.Duration {
	if p.HardExpiry > 0 {
		return p.HardExpiry
	}
	return DefaultHardExpiry
}

// IsStale reports whether the entry is past its freshness window.
func (p *Policy) IsStale(e *models.CacheEntry, now time.Time) bool {
	return now.Sub(e.FetchedAt) > p.FreshnessWindow(e.Collection)
}

// IsExpired reports whether the entry is past the hard expiry.
func (p *Policy) IsExpired(e *models.CacheEntry, now time.Time) bool {
	return now.Sub(e.FetchedAt) > p.hardExpiry()
}

// Evaluate classifies the entry. Provisional entries are always served
// fresh: their content is backed by a pending operation, not a fetch.
func (p *Policy) Evaluate(e *models.CacheEntry, now time.Time) Verdict {
	if e.Provisional {
		return Fresh
	}
	if p.IsExpired(e, now) {
		return Expired
	}
	if p.IsStale(e, now) {
		return Stale
	}
	return Fresh
}

// PruneCutoff returns the fetched-at time before which entries should
// be evicted by a prune pass.
func (p *Policy) PruneCutoff(now time.Time) time.Time {
	return now.Add(-p.hardExpiry())
}
