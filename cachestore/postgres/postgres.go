// Package postgres provides a PostgreSQL-backed CacheStore for graderouter.
//
// Entries are stored as JSONB rows with an expiry timestamp. Expired rows are
// invisible to Get and removed by DeleteExpired.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/graderouter"
)

// Store is a PostgreSQL-backed CacheStore.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
	now         func() time.Time
}

var _ graderouter.ExpiringStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "graderouter_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed CacheStore.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "graderouter_",
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) entriesTable() string { return s.tablePrefix + "cache_entries" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			fingerprint TEXT PRIMARY KEY,
			entry JSONB NOT NULL,
			schema_version INT NOT NULL,
			cached_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[1]s_expires_at_idx ON %[1]s (expires_at);
	`, s.entriesTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("graderouter/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, fp string) (graderouter.CacheEntry, bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT entry FROM %s WHERE fingerprint = $1 AND expires_at > $2`, s.entriesTable()),
		fp, s.now().UTC(),
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return graderouter.CacheEntry{}, false, nil
	}
	if err != nil {
		return graderouter.CacheEntry{}, false, fmt.Errorf("graderouter/postgres: get: %w", err)
	}

	var entry graderouter.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return graderouter.CacheEntry{}, false, fmt.Errorf("graderouter/postgres: decode entry: %w", err)
	}
	return entry, true, nil
}

// Put upserts the entry. An existing row with a newer cached_at is kept.
func (s *Store) Put(ctx context.Context, fp string, entry graderouter.CacheEntry, ttl time.Duration) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("graderouter/postgres: encode entry: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %[1]s (fingerprint, entry, schema_version, cached_at, expires_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (fingerprint) DO UPDATE
			SET entry = EXCLUDED.entry,
				schema_version = EXCLUDED.schema_version,
				cached_at = EXCLUDED.cached_at,
				expires_at = EXCLUDED.expires_at
			WHERE %[1]s.cached_at <= EXCLUDED.cached_at`, s.entriesTable()),
		fp, payload, entry.SchemaVersion, entry.CachedAt.UTC(), s.now().UTC().Add(ttl),
	)
	if err != nil {
		return fmt.Errorf("graderouter/postgres: put: %w", err)
	}
	return nil
}

// DeleteExpired removes expired rows and returns how many were removed.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= $1`, s.entriesTable()),
		s.now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("graderouter/postgres: delete expired: %w", err)
	}
	return tag.RowsAffected(), nil
}
