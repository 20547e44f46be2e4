// Package cachestore provides CacheStore implementations for graderouter.
package cachestore

import (
	"context"
	"sync"
	"time"

	"github.com/ineyio/graderouter"
)

// MemoryStore is an in-process CacheStore. It is useful in tests and in
// single-instance deployments that want a second cache tier with its own
// lifetime.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	entry     graderouter.CacheEntry
	expiresAt time.Time
}

var _ graderouter.ExpiringStore = (*MemoryStore)(nil)

// Option configures MemoryStore.
type Option func(*MemoryStore)

// WithClock overrides the clock used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Get(_ context.Context, fp string) (graderouter.CacheEntry, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[fp]
	s.mu.RUnlock()

	if !ok || !s.now().Before(e.expiresAt) {
		return graderouter.CacheEntry{}, false, nil
	}
	return e.entry, true, nil
}

func (s *MemoryStore) Put(_ context.Context, fp string, entry graderouter.CacheEntry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[fp] = memoryEntry{entry: entry, expiresAt: s.now().Add(ttl)}
	return nil
}

// DeleteExpired removes expired entries and returns how many were removed.
func (s *MemoryStore) DeleteExpired(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var n int64
	for fp, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, fp)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored entries, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
