// Package sqlite provides a file-backed CacheStore for graderouter using the
// pure Go SQLite driver. It suits single-host deployments that want cached
// grades to survive restarts without running a database server.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/ineyio/graderouter"
)

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	fingerprint TEXT PRIMARY KEY,
	entry TEXT NOT NULL,
	schema_version INTEGER NOT NULL,
	cached_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS cache_entries_expires_at_idx ON cache_entries (expires_at);
`

// Store is a SQLite-backed CacheStore.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ graderouter.ExpiringStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithClock overrides the clock used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if needed) the database at path and ensures the schema.
// Use ":memory:" for a private in-memory database.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("graderouter/sqlite: open: %w", err)
	}
	if path == ":memory:" {
		// Each connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("graderouter/sqlite: %s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("graderouter/sqlite: ensure schema: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, fp string) (graderouter.CacheEntry, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT entry FROM cache_entries WHERE fingerprint = ? AND expires_at > ?`,
		fp, s.now().UnixNano(),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return graderouter.CacheEntry{}, false, nil
	}
	if err != nil {
		return graderouter.CacheEntry{}, false, fmt.Errorf("graderouter/sqlite: get: %w", err)
	}

	var entry graderouter.CacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return graderouter.CacheEntry{}, false, fmt.Errorf("graderouter/sqlite: decode entry: %w", err)
	}
	return entry, true, nil
}

// Put upserts the entry. An existing row with a newer cached_at is kept.
func (s *Store) Put(ctx context.Context, fp string, entry graderouter.CacheEntry, ttl time.Duration) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("graderouter/sqlite: encode entry: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (fingerprint, entry, schema_version, cached_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (fingerprint) DO UPDATE
		SET entry = excluded.entry,
			schema_version = excluded.schema_version,
			cached_at = excluded.cached_at,
			expires_at = excluded.expires_at
		WHERE cache_entries.cached_at <= excluded.cached_at`,
		fp, string(payload), entry.SchemaVersion, entry.CachedAt.UnixNano(), s.now().Add(ttl).UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("graderouter/sqlite: put: %w", err)
	}
	return nil
}

// DeleteExpired removes expired rows and returns how many were removed.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?`, s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("graderouter/sqlite: delete expired: %w", err)
	}
	return res.RowsAffected()
}
