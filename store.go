package graderouter

import (
	"context"
	"time"
)

// CacheSchemaVersion is stamped on every cache entry. Entries read from an
// external store with a different version are treated as misses.
const CacheSchemaVersion = 1

// EntryKind selects the retention class of a cache entry.
type EntryKind string

const (
	EntryRaw   EntryKind = "raw"
	EntrySkill EntryKind = "skill"
)

// CacheEntry is a stored grading result.
type CacheEntry struct {
	Fingerprint   string    `json:"fingerprint"`
	Result        Result    `json:"result"`
	Backend       Tier      `json:"backend"`
	CachedAt      time.Time `json:"cached_at"`
	SchemaVersion int       `json:"schema_version"`
	Kind          EntryKind `json:"kind"`
}

// CacheStore is an optional external cache layer shared across processes.
// Implementations must be safe for concurrent use.
type CacheStore interface {
	// Get returns the entry for fp. ok is false when the entry is absent or expired.
	Get(ctx context.Context, fp string) (entry CacheEntry, ok bool, err error)

	// Put stores entry under fp for ttl.
	Put(ctx context.Context, fp string, entry CacheEntry, ttl time.Duration) error
}

// ExpiringStore is implemented by stores whose expired entries linger until
// removed. The ResponseCache sweeper calls DeleteExpired on every sweep.
type ExpiringStore interface {
	CacheStore
	DeleteExpired(ctx context.Context) (int64, error)
}
