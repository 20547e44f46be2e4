package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/graderouter"
	"github.com/ineyio/graderouter/cachestore/sqlite"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestStore(t *testing.T, c *clock) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "cache.db"), sqlite.WithClock(c.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func entry(fp string, score float64, cachedAt time.Time) graderouter.CacheEntry {
	return graderouter.CacheEntry{
		Fingerprint:   fp,
		Result:        graderouter.Result{GroupID: "s1", ItemIndex: 2, Score: score, MaxScore: 5, Confidence: 91, Tier: graderouter.TierPremiumRemote},
		Backend:       graderouter.TierPremiumRemote,
		CachedAt:      cachedAt,
		SchemaVersion: graderouter.CacheSchemaVersion,
		Kind:          graderouter.EntrySkill,
	}
}

func TestStore_PutGet(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	s := newTestStore(t, c)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "fp1")
	require.NoError(t, err)
	assert.False(t, ok)

	want := entry("fp1", 4, c.now)
	require.NoError(t, s.Put(ctx, "fp1", want, time.Hour))

	got, ok, err := s.Get(ctx, "fp1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want.Result, got.Result)
	assert.Equal(t, want.Kind, got.Kind)
	assert.True(t, want.CachedAt.Equal(got.CachedAt))
}

func TestStore_Expiry(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	s := newTestStore(t, c)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "short", entry("short", 1, c.now), time.Minute))
	require.NoError(t, s.Put(ctx, "long", entry("long", 1, c.now), time.Hour))

	c.now = c.now.Add(2 * time.Minute)

	_, ok, err := s.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, ok, err = s.Get(ctx, "long")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_NewerEntryWins(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	s := newTestStore(t, c)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "fp", entry("fp", 5, c.now), time.Hour))
	require.NoError(t, s.Put(ctx, "fp", entry("fp", 1, c.now.Add(-time.Minute)), time.Hour))

	got, ok, err := s.Get(ctx, "fp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 5.0, got.Result.Score, "a stale write must not replace a fresher entry")

	require.NoError(t, s.Put(ctx, "fp", entry("fp", 2, c.now.Add(time.Minute)), time.Hour))
	got, _, _ = s.Get(ctx, "fp")
	assert.Equal(t, 2.0, got.Result.Score)
}

func TestOpen_InMemory(t *testing.T) {
	s, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "fp", entry("fp", 3, time.Now()), time.Hour))
	_, ok, err := s.Get(ctx, "fp")
	require.NoError(t, err)
	assert.True(t, ok)
}
