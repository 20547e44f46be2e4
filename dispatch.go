package graderouter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

// Dispatcher executes batches against tier backends. Each tier has a bounded
// number of concurrent calls; remote tiers are gated by a circuit breaker.
type Dispatcher struct {
	cfg      Config
	backends map[Tier]scorer
	slots    map[Tier]*semaphore.Weighted
	breakers map[Tier]*CircuitBreaker
	spend    *SpendTracker
	meter    Meter
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher from backend options.
func NewDispatcher(cfg Config, opts ...Option) *Dispatcher {
	return newDispatcher(cfg, buildOptions(opts))
}

func newDispatcher(cfg Config, o options) *Dispatcher {
	d := &Dispatcher{
		cfg:      cfg,
		backends: make(map[Tier]scorer),
		slots:    make(map[Tier]*semaphore.Weighted),
		breakers: make(map[Tier]*CircuitBreaker),
		spend:    newSpendTracker(o.clock),
		meter:    o.meter,
		logger:   o.logger,
	}

	if o.local != nil {
		d.backends[TierLocal] = localScorer{o.local}
	}
	for t, b := range o.remote {
		if t.IsRemote() && t.Valid() && b != nil {
			d.backends[t] = remoteScorer{b}
		}
	}

	for _, t := range Tiers {
		d.slots[t] = semaphore.NewWeighted(int64(max(cfg.Tier(t).MaxConcurrent, 1)))
		if t.IsRemote() {
			d.breakers[t] = NewCircuitBreaker(t, cfg.Breaker, WithBreakerClock(o.breakerClock))
		}
	}
	return d
}

// Breaker returns the breaker of a remote tier, or nil for the local tier.
func (d *Dispatcher) Breaker(t Tier) *CircuitBreaker {
	return d.breakers[t]
}

// Spend returns the spend tracker.
func (d *Dispatcher) Spend() *SpendTracker {
	return d.spend
}

// Available reports whether a batch sent to t now could reach a backend.
func (d *Dispatcher) Available(t Tier) bool {
	if _, ok := d.backends[t]; !ok {
		return false
	}
	if br := d.breakers[t]; br != nil {
		return br.Allow()
	}
	return true
}

// Dispatch sends one batch to its tier. The returned slice always holds one
// result per batch item, in batch order. A non-nil error is a *DispatchError
// and means no item was graded; per-item failures are reported on the
// results alone.
func (d *Dispatcher) Dispatch(ctx context.Context, b Batch) ([]Result, error) {
	backend, ok := d.backends[b.Tier]
	if !ok {
		return d.fail(b, ErrTierUnavailable)
	}

	br := d.breakers[b.Tier]
	if br != nil && !br.Allow() {
		return d.fail(b, ErrCircuitOpen)
	}

	slot := d.slots[b.Tier]
	if err := slot.Acquire(ctx, 1); err != nil {
		return d.fail(b, err)
	}
	defer slot.Release(1)

	// The breaker may have tripped while this batch waited for a slot.
	if br != nil && !br.Allow() {
		return d.fail(b, ErrCircuitOpen)
	}

	tc := d.cfg.Tier(b.Tier)
	callCtx, cancel := context.WithTimeout(ctx, tc.Timeout)
	defer cancel()

	start := time.Now()
	raw, err := backend.score(callCtx, b.Requests(), tierHint(b))
	duration := time.Since(start)

	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s", ErrTimeout, tc.Timeout)
	}

	var results []Result
	if err == nil {
		results, err = align(b, raw, backend.Name())
	}

	if br != nil {
		switch {
		case err == nil:
			br.RecordSuccess()
		case CountsTowardBreaker(err):
			if br.RecordFailure() {
				d.logger.Warn("graderouter: circuit breaker tripped",
					"tier", b.Tier.String(),
					"error", err,
				)
				d.meter.Record(Event{Kind: EventBreakerTripped, Tier: b.Tier, Err: err})
			}
		}
	}

	var cost float64
	if err == nil {
		cost = b.Decision.EstimatedCost
		d.spend.RecordSpend(b.Tier, cost)
	}

	d.meter.Record(Event{
		Kind:     EventBatchCompleted,
		GroupID:  b.GroupID,
		BatchID:  b.ID,
		Tier:     b.Tier,
		Items:    b.Size(),
		Attempt:  b.Attempt,
		Duration: duration,
		Cost:     cost,
		Err:      err,
	})

	if err != nil {
		return d.fail(b, err)
	}
	return results, nil
}

func (d *Dispatcher) fail(b Batch, cause error) ([]Result, error) {
	derr := &DispatchError{Err: cause, BatchID: b.ID, Tier: b.Tier, Items: b.Size()}
	name := ""
	if s, ok := d.backends[b.Tier]; ok {
		name = s.Name()
	}
	out := make([]Result, b.Size())
	for i, it := range b.Items {
		out[i] = Result{
			GroupID:   it.Request.GroupID,
			ItemIndex: it.Request.ItemIndex,
			Tier:      b.Tier,
			Backend:   name,
			Err:       derr,
		}
	}
	return out, derr
}

// align orders raw results to match the batch. Items the backend did not
// answer, or answered with an ill-formed result, carry ErrMalformedResult.
// A response matching no item at all is a batch-level ErrMalformedResult.
func align(b Batch, raw []Result, backend string) ([]Result, error) {
	byKey := make(map[itemKey]Result, len(raw))
	for _, r := range raw {
		k := itemKey{group: r.GroupID, index: r.ItemIndex}
		if _, dup := byKey[k]; !dup {
			byKey[k] = r
		}
	}

	out := make([]Result, b.Size())
	matched := 0
	for i, it := range b.Items {
		r, ok := byKey[it.Request.key()]
		if ok {
			matched++
		}
		r.GroupID = it.Request.GroupID
		r.ItemIndex = it.Request.ItemIndex
		r.Tier = b.Tier
		if r.Backend == "" {
			r.Backend = backend
		}
		if r.MaxScore == 0 {
			r.MaxScore = it.Request.MaxPoints
		}
		switch {
		case !ok:
			r.Err = fmt.Errorf("%w: no result for item %d", ErrMalformedResult, it.Request.ItemIndex)
		case r.Err == nil && !r.WellFormed():
			r.Err = fmt.Errorf("%w: score %v confidence %v", ErrMalformedResult, r.Score, r.Confidence)
		}
		out[i] = r
	}

	if matched == 0 && b.Size() > 0 {
		return nil, fmt.Errorf("%w: %d results match none of %d items", ErrMalformedResult, len(raw), b.Size())
	}
	return out, nil
}

// ParseTierHint splits a tier hint of the form "<tier>" or "<tier>/retry-<n>".
// Unknown tiers parse as the strongest tier.
func ParseTierHint(hint string) (Tier, int) {
	name, suffix, _ := strings.Cut(hint, "/")
	tier, err := ParseTier(name)
	if err != nil {
		tier = StrongestTier
	}
	retry := 0
	if n, ok := strings.CutPrefix(suffix, "retry-"); ok {
		retry, _ = strconv.Atoi(n)
	}
	return tier, retry
}

// tierHint is "<tier>" on the first attempt and "<tier>/retry-<n>" after.
func tierHint(b Batch) string {
	if b.Attempt == 0 {
		return b.Tier.String()
	}
	return fmt.Sprintf("%s/retry-%d", b.Tier, b.Attempt)
}
