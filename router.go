package graderouter

import (
	"context"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Router grades groups of requests across local and remote tiers.
type Router struct {
	cfg        Config
	classifier *Classifier
	composer   *Composer
	dispatch   *Dispatcher
	fallback   *FallbackController
	cache      *ResponseCache
	meter      *asyncMeter
	logger     *slog.Logger
	stagger    *rate.Limiter
}

// NewRouter creates a new Router. At least one backend must be configured
// with WithLocalBackend or WithRemoteBackend. Events are delivered to the
// meter asynchronously; call Close to flush them.
func NewRouter(cfg Config, opts ...Option) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := buildOptions(opts)
	if o.local == nil && len(o.remote) == 0 {
		return nil, fmt.Errorf("graderouter: at least one backend is required")
	}

	am := newAsyncMeter(o.meter, cfg.MeterBuffer)
	o.meter = am

	limit := rate.Inf
	if cfg.RemoteStagger > 0 {
		limit = rate.Every(cfg.RemoteStagger)
	}

	d := newDispatcher(cfg, o)
	r := &Router{
		cfg:        cfg,
		classifier: NewClassifier(cfg.Classifier),
		composer:   NewComposer(cfg),
		dispatch:   d,
		fallback: &FallbackController{
			cfg:      cfg,
			dispatch: d,
			composer: NewComposer(cfg),
			meter:    am,
			logger:   o.logger,
		},
		cache: NewResponseCache(cfg.Cache,
			WithStore(o.store),
			WithCacheLogger(o.logger),
			WithCacheClock(o.clock),
		),
		meter:   am,
		logger:  o.logger,
		stagger: rate.NewLimiter(limit, 1),
	}
	r.cache.Start()

	return r, nil
}

// ItemStatus is the outcome class of one item.
type ItemStatus string

const (
	StatusOK     ItemStatus = "ok"
	StatusCached ItemStatus = "cached"
	StatusFailed ItemStatus = "failed"
)

// ItemResult is the result of one request within a GroupResult.
type ItemResult struct {
	Result
	Status  ItemStatus
	BatchID string // empty for cache hits
}

// GroupSummary aggregates a Grade call.
type GroupSummary struct {
	Total          int
	Cached         int
	Computed       int
	Failed         int
	Batches        int
	FallbackRounds int
	Cost           float64
}

// GroupResult is the outcome of Grade, with Items in request order.
type GroupResult struct {
	Items     []ItemResult
	Fallbacks []FallbackRecord // batches that needed at least one fallback round
	Summary   GroupSummary
}

// Results returns the item results in request order.
func (g GroupResult) Results() []Result {
	out := make([]Result, len(g.Items))
	for i, it := range g.Items {
		out[i] = it.Result
	}
	return out
}

// Err combines the errors of all failed items, or returns nil.
func (g GroupResult) Err() error {
	var err error
	for _, it := range g.Items {
		if it.Err != nil {
			err = multierr.Append(err, it.Err)
		}
	}
	return err
}

// Grade scores reqs and returns one result per request in the same order.
// Item failures are reported on the items; the error is non-nil only for
// invalid input, or ErrAllTiersUnavailable (together with the partial result)
// when no computed item could reach any backend.
func (r *Router) Grade(ctx context.Context, reqs []GradingRequest) (GroupResult, error) {
	if err := validateRequests(reqs); err != nil {
		return GroupResult{}, err
	}

	gr := GroupResult{
		Items:   make([]ItemResult, len(reqs)),
		Summary: GroupSummary{Total: len(reqs)},
	}

	fps := make([]string, len(reqs))
	index := make(map[itemKey]int, len(reqs))
	var (
		missReqs []GradingRequest
		groupID  string
	)
	for i, req := range reqs {
		fps[i] = Fingerprint(req)
		index[req.key()] = i
		if groupID == "" {
			groupID = req.GroupID
		}
		if res, ok := r.cache.Lookup(ctx, fps[i]); ok {
			gr.Items[i] = ItemResult{Result: res, Status: StatusCached}
			gr.Summary.Cached++
			continue
		}
		missReqs = append(missReqs, req)
	}
	if gr.Summary.Cached > 0 {
		r.meter.Record(Event{Kind: EventCacheHit, GroupID: groupID, Items: gr.Summary.Cached})
	}
	if len(missReqs) > 0 {
		r.meter.Record(Event{Kind: EventCacheMiss, GroupID: groupID, Items: len(missReqs)})
	}

	if len(missReqs) == 0 {
		return gr, nil
	}

	batches, err := r.composer.Compose(missReqs, r.classifier.ClassifyAll(missReqs))
	if err != nil {
		return GroupResult{}, err
	}
	gr.Summary.Batches = len(batches)

	r.logger.Debug("graderouter: grade",
		"group", groupID,
		"items", len(reqs),
		"cached", gr.Summary.Cached,
		"batches", len(batches),
	)

	outs := make([][]Result, len(batches))
	recs := make([]FallbackRecord, len(batches))

	var g errgroup.Group
	for i, b := range batches {
		if b.Tier.IsRemote() {
			// Cancellation surfaces from the dispatch itself.
			_ = r.stagger.Wait(ctx)
		}
		g.Go(func() error {
			outs[i], recs[i] = r.fallback.Run(ctx, b)
			for j, res := range outs[i] {
				if resolved(res, r.cfg.Fallback.MinItemConfidence) {
					idx := index[b.Items[j].Request.key()]
					r.cache.Store(ctx, fps[idx], b.Items[j].Request, res)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	unavailable := true
	for i, b := range batches {
		rec := recs[i]
		gr.Summary.Cost += rec.Cost
		if rec.Triggered() {
			gr.Fallbacks = append(gr.Fallbacks, rec)
			gr.Summary.FallbackRounds += len(rec.Strategies)
		}
		for j, res := range outs[i] {
			idx := index[b.Items[j].Request.key()]
			status := StatusOK
			if res.Err != nil {
				status = StatusFailed
				gr.Summary.Failed++
				if !isUnavailable(res.Err) {
					unavailable = false
				}
			} else {
				unavailable = false
			}
			gr.Items[idx] = ItemResult{Result: res, Status: status, BatchID: b.ID}
			gr.Summary.Computed++
		}
	}

	if unavailable {
		r.logger.Warn("graderouter: all tiers unavailable",
			"group", groupID,
			"items", gr.Summary.Computed,
		)
		return gr, ErrAllTiersUnavailable
	}
	return gr, nil
}

func validateRequests(reqs []GradingRequest) error {
	seen := make(map[itemKey]struct{}, len(reqs))
	for _, req := range reqs {
		k := req.key()
		if _, dup := seen[k]; dup {
			return fmt.Errorf("%w: duplicate item (group=%s, index=%d)", ErrInvalidRequest, req.GroupID, req.ItemIndex)
		}
		seen[k] = struct{}{}
	}
	return nil
}

// Breaker returns the circuit breaker of a remote tier.
func (r *Router) Breaker(t Tier) *CircuitBreaker { return r.dispatch.Breaker(t) }

// Cache returns the response cache.
func (r *Router) Cache() *ResponseCache { return r.cache }

// Classifier returns the complexity classifier.
func (r *Router) Classifier() *Classifier { return r.classifier }

// Spend returns the per-tier spend tracker.
func (r *Router) Spend() *SpendTracker { return r.dispatch.Spend() }

// DroppedEvents returns the number of meter events dropped because the
// meter fell behind.
func (r *Router) DroppedEvents() int64 { return r.meter.Dropped() }

// Close stops the cache sweeper and flushes pending meter events.
func (r *Router) Close() error {
	r.cache.Close()
	r.meter.Close()
	return nil
}
