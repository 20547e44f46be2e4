//go:build integration

package redis_test

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/graderouter"
	cacheredis "github.com/ineyio/graderouter/cachestore/redis"
)

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestStore(t *testing.T, client *goredis.Client) *cacheredis.Store {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := "test:" + t.Name() + ":"
	s := cacheredis.New(client, cacheredis.WithKeyPrefix(prefix))
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})
	return s
}

func entry(score float64, cachedAt time.Time) graderouter.CacheEntry {
	return graderouter.CacheEntry{
		Fingerprint:   "fp1",
		Result:        graderouter.Result{GroupID: "s1", Score: score, Confidence: 90, Tier: graderouter.TierCheapRemote},
		Backend:       graderouter.TierCheapRemote,
		CachedAt:      cachedAt,
		SchemaVersion: graderouter.CacheSchemaVersion,
		Kind:          graderouter.EntryRaw,
	}
}

func TestPutAndGet(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "fp1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected miss on empty store")
	}

	if err := store.Put(ctx, "fp1", entry(3, time.Now()), time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := store.Get(ctx, "fp1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || got.Result.Score != 3 {
		t.Fatalf("unexpected entry: ok=%v %+v", ok, got)
	}

	ttl, err := client.PTTL(ctx, "test:"+t.Name()+":fp1").Result()
	if err != nil {
		t.Fatalf("pttl: %v", err)
	}
	if ttl <= 0 || ttl > time.Hour {
		t.Fatalf("expected ttl in (0, 1h], got %v", ttl)
	}
}

func TestExpiry(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	if err := store.Put(ctx, "fp1", entry(1, time.Now()), 50*time.Millisecond); err != nil {
		t.Fatalf("put: %v", err)
	}
	time.Sleep(150 * time.Millisecond)

	_, ok, err := store.Get(ctx, "fp1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected entry to expire")
	}
}

func TestNewerEntryWins(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	now := time.Now()
	if err := store.Put(ctx, "fp1", entry(5, now), time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}
	// A slower writer with an older result arrives late.
	if err := store.Put(ctx, "fp1", entry(1, now.Add(-time.Minute)), time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, _, err := store.Get(ctx, "fp1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Result.Score != 5 {
		t.Fatalf("expected newer entry to survive, got score %v", got.Result.Score)
	}
}

func TestDelete(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	if err := store.Put(ctx, "fp1", entry(2, time.Now()), time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Delete(ctx, "fp1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "fp1"); ok {
		t.Fatal("expected miss after delete")
	}
}

func TestSharedAcrossRouters(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	req := graderouter.GradingRequest{GroupID: "s1", ItemIndex: 0, CandidateAnswer: "4", ReferenceAnswer: "4"}
	fp := graderouter.Fingerprint(req)
	res := graderouter.Result{GroupID: "s1", Score: 1, MaxScore: 1, Confidence: 95, Tier: graderouter.TierPremiumRemote}

	writer := graderouter.NewResponseCache(graderouter.DefaultConfig().Cache, graderouter.WithStore(store))
	writer.Store(ctx, fp, req, res)

	reader := graderouter.NewResponseCache(graderouter.DefaultConfig().Cache, graderouter.WithStore(store))
	got, ok := reader.Lookup(ctx, fp)
	if !ok {
		t.Fatal("expected reader to see the writer's entry")
	}
	if got.Score != 1 || got.Tier != graderouter.TierPremiumRemote {
		t.Fatalf("unexpected result: %+v", got)
	}
}
