package graderouter

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// ResponseCache memoises well-formed grading results by fingerprint.
// An in-process TTL cache is authoritative; an optional CacheStore backs it.
type ResponseCache struct {
	cfg     CacheConfig
	primary *ttlcache.Cache[string, CacheEntry]
	store   CacheStore
	logger  *slog.Logger
	now     func() time.Time

	evictMu sync.Mutex

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// CacheStats reports cache counters.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Len       int
}

// CacheOption configures a ResponseCache.
type CacheOption func(*ResponseCache)

// WithStore sets the external cache store.
func WithStore(s CacheStore) CacheOption {
	return func(c *ResponseCache) { c.store = s }
}

// WithCacheLogger sets the logger used for store failures.
func WithCacheLogger(l *slog.Logger) CacheOption {
	return func(c *ResponseCache) { c.logger = l }
}

// WithCacheClock overrides the clock used to stamp CachedAt.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *ResponseCache) { c.now = now }
}

// NewResponseCache creates a ResponseCache. Call Start to run the background
// sweeper and Close to stop it.
func NewResponseCache(cfg CacheConfig, opts ...CacheOption) *ResponseCache {
	c := &ResponseCache{
		cfg: cfg,
		primary: ttlcache.New(
			ttlcache.WithTTL[string, CacheEntry](cfg.RawTTL),
			ttlcache.WithDisableTouchOnHit[string, CacheEntry](),
		),
		logger: slog.Default(),
		now:    time.Now,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup returns the cached result for fp. The primary cache is consulted
// first; a hit in the external store is promoted into it.
func (c *ResponseCache) Lookup(ctx context.Context, fp string) (Result, bool) {
	if item := c.primary.Get(fp); item != nil {
		c.hits.Add(1)
		return item.Value().Result, true
	}

	if c.store != nil {
		entry, ok, err := c.store.Get(ctx, fp)
		switch {
		case err != nil:
			c.logger.Warn("graderouter: cache store get failed", "fingerprint", fp, "error", err)
		case ok && entry.SchemaVersion == CacheSchemaVersion:
			remaining := c.ttlFor(entry.Kind) - c.now().Sub(entry.CachedAt)
			if remaining > 0 {
				c.primary.Set(fp, entry, remaining)
				c.hits.Add(1)
				return entry.Result, true
			}
		}
	}

	c.misses.Add(1)
	return Result{}, false
}

// Store caches a well-formed result computed for req. Results from remote
// tiers are also written to the external store. Ill-formed results are ignored.
func (c *ResponseCache) Store(ctx context.Context, fp string, req GradingRequest, res Result) {
	if !res.WellFormed() {
		return
	}

	kind := EntryRaw
	if len(req.SkillTags) > 0 {
		kind = EntrySkill
	}
	entry := CacheEntry{
		Fingerprint:   fp,
		Result:        res,
		Backend:       res.Tier,
		CachedAt:      c.now(),
		SchemaVersion: CacheSchemaVersion,
		Kind:          kind,
	}
	ttl := c.ttlFor(kind)

	c.primary.Set(fp, entry, ttl)

	if c.store != nil && res.Tier.IsRemote() {
		if err := c.store.Put(ctx, fp, entry, ttl); err != nil {
			c.logger.Warn("graderouter: cache store put failed", "fingerprint", fp, "error", err)
		}
	}

	if c.primary.Len() > c.cfg.Capacity {
		c.evictMu.Lock()
		n := c.evictOverflow()
		c.evictMu.Unlock()
		c.evictions.Add(int64(n))
	}
}

// Evict removes expired entries and, if the cache is over capacity, the
// oldest EvictFraction of entries. It returns the number of entries removed.
func (c *ResponseCache) Evict() int {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	before := c.primary.Metrics().Evictions
	c.primary.DeleteExpired()
	n := int(c.primary.Metrics().Evictions - before)

	n += c.evictOverflow()
	c.evictions.Add(int64(n))
	return n
}

// evictOverflow must be called with evictMu held.
func (c *ResponseCache) evictOverflow() int {
	items := c.primary.Items()
	if len(items) <= c.cfg.Capacity {
		return 0
	}

	n := int(math.Ceil(float64(len(items)) * c.cfg.EvictFraction))
	if over := len(items) - c.cfg.Capacity; over > n {
		n = over
	}

	entries := make([]CacheEntry, 0, len(items))
	for _, it := range items {
		entries = append(entries, it.Value())
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CachedAt.Before(entries[j].CachedAt)
	})

	for _, e := range entries[:n] {
		c.primary.Delete(e.Fingerprint)
	}
	return n
}

// SweepStore removes expired entries from the external store when it
// implements ExpiringStore. It returns the number of entries removed.
func (c *ResponseCache) SweepStore(ctx context.Context) (int64, error) {
	es, ok := c.store.(ExpiringStore)
	if !ok {
		return 0, nil
	}
	return es.DeleteExpired(ctx)
}

// Start runs the background sweeper every SweepInterval until Close.
func (c *ResponseCache) Start() {
	c.startOnce.Do(func() {
		go func() {
			defer close(c.done)

			ticker := time.NewTicker(c.cfg.SweepInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					if n := c.Evict(); n > 0 {
						c.logger.Debug("graderouter: cache sweep", "evicted", n)
					}
					c.sweepStore()
				case <-c.stop:
					return
				}
			}
		}()
	})
}

// Close stops the sweeper. It is safe to call more than once.
func (c *ResponseCache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	started := true
	c.startOnce.Do(func() { started = false })
	if started {
		<-c.done
	}
}

// Len returns the number of live entries in the primary cache.
func (c *ResponseCache) Len() int {
	return c.primary.Len()
}

// Stats returns the cache counters.
func (c *ResponseCache) Stats() CacheStats {
	return CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Len:       c.primary.Len(),
	}
}

func (c *ResponseCache) sweepStore() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SweepInterval)
	defer cancel()

	n, err := c.SweepStore(ctx)
	switch {
	case err != nil:
		c.logger.Warn("graderouter: cache store sweep failed", "error", err)
	case n > 0:
		c.logger.Debug("graderouter: cache store sweep", "deleted", n)
	}
}

func (c *ResponseCache) ttlFor(kind EntryKind) time.Duration {
	if kind == EntrySkill {
		return c.cfg.SkillTTL
	}
	return c.cfg.RawTTL
}
