// Package redis provides a Redis-backed CacheStore for graderouter.
//
// Each entry is a hash holding the JSON-encoded entry and its cached_at stamp,
// with a native Redis TTL so expiry needs no sweeping. The cache can be shared
// across router instances.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/graderouter"
)

// Store is a Redis-backed CacheStore.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
}

var _ graderouter.CacheStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "graderouter:cache:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a new Redis-backed CacheStore.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "graderouter:cache:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(fp string) string {
	return s.keyPrefix + fp
}

// putScript stores an entry unless a newer one is already present, so a slow
// writer cannot replace a fresher result.
// KEYS[1] = entry key
// ARGV[1] = entry JSON
// ARGV[2] = cached_at (unix nanoseconds)
// ARGV[3] = ttl (milliseconds)
//
// Returns:
//
//	1 = stored
//	0 = kept the existing newer entry
var putScript = goredis.NewScript(`
local key = KEYS[1]
local payload = ARGV[1]
local cached_at = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local existing = redis.call("HGET", key, "cached_at")
if existing and tonumber(existing) > cached_at then
    return 0
end

redis.call("HSET", key, "entry", payload, "cached_at", ARGV[2])
redis.call("PEXPIRE", key, ttl)
return 1
`)

func (s *Store) Get(ctx context.Context, fp string) (graderouter.CacheEntry, bool, error) {
	raw, err := s.client.HGet(ctx, s.key(fp), "entry").Result()
	if errors.Is(err, goredis.Nil) {
		return graderouter.CacheEntry{}, false, nil
	}
	if err != nil {
		return graderouter.CacheEntry{}, false, fmt.Errorf("graderouter/redis: get: %w", err)
	}

	var entry graderouter.CacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return graderouter.CacheEntry{}, false, fmt.Errorf("graderouter/redis: decode entry: %w", err)
	}
	return entry, true, nil
}

func (s *Store) Put(ctx context.Context, fp string, entry graderouter.CacheEntry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("graderouter/redis: encode entry: %w", err)
	}

	err = putScript.Run(ctx, s.client,
		[]string{s.key(fp)},
		string(payload),
		entry.CachedAt.UnixNano(),
		ttl.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("graderouter/redis: put: %w", err)
	}
	return nil
}

// Delete removes the entry for fp.
func (s *Store) Delete(ctx context.Context, fp string) error {
	if err := s.client.Del(ctx, s.key(fp)).Err(); err != nil {
		return fmt.Errorf("graderouter/redis: delete: %w", err)
	}
	return nil
}
