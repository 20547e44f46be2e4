package graderouter

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// DecisionInput is everything Decide needs to pick the next fallback step.
type DecisionInput struct {
	Quality        float64
	Threshold      float64
	VeryLow        float64
	WideRange      bool
	BatchSize      int
	SmallBatchSize int
	Attempt        int // fallback rounds already run, 0 after the first dispatch
	MaxAttempts    int
	Tier           Tier // tier of the most recent round
}

// FallbackAction is the outcome class of a Decision.
type FallbackAction int

const (
	ActionAccept FallbackAction = iota
	ActionFallback
	ActionGiveUp
)

// Decision is the next fallback step.
type Decision struct {
	Action   FallbackAction
	Strategy Strategy
	Target   Tier

	// ByComplexity splits simple items to the tier below Target's source
	// and sends the rest one by one to Target.
	ByComplexity bool
	Terminal     bool
}

// Decide picks the next fallback step. It is a pure function.
func Decide(in DecisionInput) Decision {
	if in.Quality >= in.Threshold {
		return Decision{Action: ActionAccept}
	}

	next := in.Attempt + 1
	switch {
	case next > in.MaxAttempts:
		return Decision{Action: ActionGiveUp}
	case next == in.MaxAttempts:
		return Decision{Action: ActionFallback, Strategy: StrategyIndividual, Target: StrongestTier, Terminal: true}
	case next == 1:
		switch {
		case in.Quality < in.VeryLow && in.WideRange:
			return Decision{Action: ActionFallback, Strategy: StrategySplit, Target: StrongestTier, ByComplexity: true}
		case in.BatchSize <= in.SmallBatchSize:
			return Decision{Action: ActionFallback, Strategy: StrategyEscalate, Target: StrongestTier}
		default:
			return Decision{Action: ActionFallback, Strategy: StrategyRetry, Target: in.Tier}
		}
	default:
		return Decision{Action: ActionFallback, Strategy: StrategySplit, Target: in.Tier}
	}
}

// BatchQuality is the fraction of results that are well-formed with at
// least minConfidence. An empty slice has quality 1.
func BatchQuality(results []Result, minConfidence float64) float64 {
	if len(results) == 0 {
		return 1
	}
	ok := 0
	for _, r := range results {
		if resolved(r, minConfidence) {
			ok++
		}
	}
	return float64(ok) / float64(len(results))
}

func resolved(r Result, minConfidence float64) bool {
	return r.WellFormed() && r.Confidence >= minConfidence
}

// FallbackState is a state of the per-batch fallback state machine.
type FallbackState string

const (
	StateInitial    FallbackState = "initial"
	StateEvaluated  FallbackState = "evaluated"
	StateRetrying   FallbackState = "retrying"
	StateSplitting  FallbackState = "splitting"
	StateIndividual FallbackState = "individual"
	StateEscalated  FallbackState = "escalated"
	StateTerminal   FallbackState = "terminal"
)

var fallbackTransitions = map[FallbackState][]FallbackState{
	StateInitial:    {StateEvaluated},
	StateEvaluated:  {StateRetrying, StateSplitting, StateIndividual, StateEscalated, StateTerminal},
	StateRetrying:   {StateEvaluated},
	StateSplitting:  {StateEvaluated},
	StateEscalated:  {StateEvaluated},
	StateIndividual: {StateTerminal},
}

func stateFor(s Strategy) FallbackState {
	switch s {
	case StrategyRetry:
		return StateRetrying
	case StrategySplit:
		return StateSplitting
	case StrategyEscalate:
		return StateEscalated
	default:
		return StateIndividual
	}
}

// FallbackRecord describes what the controller did for one batch.
type FallbackRecord struct {
	BatchID        string
	GroupID        string
	Tier           Tier
	States         []FallbackState
	Strategies     []Strategy
	FinalStrategy  Strategy
	InitialQuality float64
	FinalQuality   float64
	QualityDelta   float64
	Cost           float64
	CostMultiplier float64
	// Dispatches counts backend calls for the whole batch. Once a round
	// splits, each sub-batch is a separate call, so this can exceed
	// MaxAttempts+1. The bound holds per item: no item is sent more than
	// MaxAttempts+1 times.
	Dispatches int
}

// Triggered reports whether any fallback round ran.
func (r FallbackRecord) Triggered() bool { return len(r.Strategies) > 0 }

func (r *FallbackRecord) advance(to FallbackState) {
	from := r.States[len(r.States)-1]
	for _, s := range fallbackTransitions[from] {
		if s == to {
			r.States = append(r.States, to)
			return
		}
	}
	panic(fmt.Sprintf("graderouter: illegal fallback transition %s -> %s", from, to))
}

// FallbackController runs a batch and its fallback rounds to completion.
type FallbackController struct {
	cfg      Config
	dispatch *Dispatcher
	composer *Composer
	meter    Meter
	logger   *slog.Logger
}

// NewFallbackController creates a FallbackController.
func NewFallbackController(cfg Config, d *Dispatcher, opts ...Option) *FallbackController {
	o := buildOptions(opts)
	return &FallbackController{
		cfg:      cfg,
		dispatch: d,
		composer: NewComposer(cfg),
		meter:    o.meter,
		logger:   o.logger,
	}
}

// Run dispatches b and applies fallback rounds until the batch is accepted or
// attempts run out. The returned slice holds one result per item in batch
// order; items without a well-formed result carry an *ItemError.
func (f *FallbackController) Run(ctx context.Context, b Batch) ([]Result, FallbackRecord) {
	fc := f.cfg.Fallback
	rec := FallbackRecord{
		BatchID: b.ID,
		GroupID: b.GroupID,
		Tier:    b.Tier,
		States:  []FallbackState{StateInitial},
	}

	best, err := f.dispatch.Dispatch(ctx, b)
	attempts := make([]int, b.Size())
	lastTier := make([]Tier, b.Size())
	for i := range attempts {
		attempts[i] = 1
		lastTier[i] = b.Tier
	}
	rec.Dispatches = 1

	var cost, calls float64
	if err == nil {
		cost += b.Decision.EstimatedCost
		calls++
	}

	rec.InitialQuality = BatchQuality(best, fc.MinItemConfidence)

	var (
		attempt  int
		tier     = b.Tier
		size     = b.Size()
		confRng  = b.ConfidenceRange
		terminal bool
	)
	for !terminal {
		rec.advance(StateEvaluated)

		q := BatchQuality(best, fc.MinItemConfidence)
		d := Decide(DecisionInput{
			Quality:        q,
			Threshold:      fc.QualityThreshold,
			VeryLow:        fc.VeryLowQuality,
			WideRange:      confRng.Width() >= fc.WideRangeThreshold,
			BatchSize:      size,
			SmallBatchSize: fc.SmallBatchSize,
			Attempt:        attempt,
			MaxAttempts:    fc.MaxAttempts,
			Tier:           tier,
		})
		if d.Action != ActionFallback || ctx.Err() != nil {
			rec.advance(StateTerminal)
			break
		}

		var pending []int
		for i, r := range best {
			if !resolved(r, fc.MinItemConfidence) {
				pending = append(pending, i)
			}
		}
		if len(pending) == 0 {
			rec.advance(StateTerminal)
			break
		}

		attempt++
		rec.Strategies = append(rec.Strategies, d.Strategy)
		rec.advance(stateFor(d.Strategy))

		f.meter.Record(Event{
			Kind:     EventFallbackTriggered,
			GroupID:  b.GroupID,
			BatchID:  b.ID,
			Tier:     tier,
			Items:    len(pending),
			Attempt:  attempt,
			Quality:  q,
			Strategy: d.Strategy,
		})
		f.logger.Debug("graderouter: fallback",
			"batch", b.ID,
			"strategy", string(d.Strategy),
			"quality", q,
			"attempt", attempt,
			"pending", len(pending),
		)

		plan := f.plan(b, pending, d, tier, attempt)
		outs := make([][]Result, len(plan))
		errs := make([]error, len(plan))

		var g errgroup.Group
		for i, sb := range plan {
			g.Go(func() error {
				outs[i], errs[i] = f.dispatch.Dispatch(ctx, sb.batch)
				return nil
			})
		}
		_ = g.Wait()

		for i, sb := range plan {
			rec.Dispatches++
			if errs[i] == nil {
				cost += sb.batch.Decision.EstimatedCost
				calls++
			}
			for j, idx := range sb.indexes {
				attempts[idx]++
				lastTier[idx] = sb.batch.Tier
				best[idx] = better(best[idx], outs[i][j])
			}
		}

		pendingItems := make([]BatchItem, len(pending))
		for i, idx := range pending {
			pendingItems[i] = b.Items[idx]
		}
		tier = d.Target
		size = len(pending)
		confRng = confidenceRange(pendingItems)

		if d.Terminal {
			rec.advance(StateTerminal)
			terminal = true
		}
	}

	if n := len(rec.Strategies); n > 0 {
		rec.FinalStrategy = rec.Strategies[n-1]
	}
	rec.FinalQuality = BatchQuality(best, fc.MinItemConfidence)
	rec.QualityDelta = rec.FinalQuality - rec.InitialQuality
	rec.Cost = cost
	if b.Decision.EstimatedCost > 0 {
		rec.CostMultiplier = cost / b.Decision.EstimatedCost
	} else {
		rec.CostMultiplier = calls
	}

	out := make([]Result, len(best))
	for i, r := range best {
		if !r.WellFormed() {
			req := b.Items[i].Request
			ierr := &ItemError{
				Err:       r.Err,
				GroupID:   req.GroupID,
				ItemIndex: req.ItemIndex,
				Tier:      lastTier[i],
				Attempts:  attempts[i],
			}
			r = Result{
				GroupID:   req.GroupID,
				ItemIndex: req.ItemIndex,
				Tier:      lastTier[i],
				Backend:   r.Backend,
				Err:       ierr,
			}
			f.logger.Warn("graderouter: item irrecoverable",
				"group", req.GroupID,
				"item", req.ItemIndex,
				"attempts", attempts[i],
				"error", ierr.Err,
			)
		}
		out[i] = r
	}
	return out, rec
}

type plannedBatch struct {
	batch   Batch
	indexes []int // positions in the original batch
}

// plan builds the sub-batches of one fallback round. Targets whose tier is
// unavailable are rerouted to the nearest available tier, stronger first.
func (f *FallbackController) plan(b Batch, pending []int, d Decision, from Tier, attempt int) []plannedBatch {
	var out []plannedBatch
	add := func(idx []int, t Tier) {
		items := make([]BatchItem, len(idx))
		for i, p := range idx {
			items[i] = b.Items[p]
		}
		t = f.nearestAvailable(t)
		out = append(out, plannedBatch{
			batch:   f.composer.build(items, t, attempt, d.Strategy),
			indexes: idx,
		})
	}
	singles := func(idx []int, t Tier) {
		for _, p := range idx {
			add([]int{p}, t)
		}
	}

	switch {
	case d.ByComplexity:
		var simple, rest []int
		for _, p := range pending {
			if b.Items[p].Analysis.Bucket == BucketSimple {
				simple = append(simple, p)
			} else {
				rest = append(rest, p)
			}
		}
		if len(simple) > 0 {
			add(simple, from.Cheaper())
		}
		singles(rest, d.Target)
	case d.Strategy == StrategyRetry, d.Strategy == StrategyEscalate:
		add(pending, d.Target)
	default:
		singles(pending, d.Target)
	}
	return out
}

func (f *FallbackController) nearestAvailable(t Tier) Tier {
	for s := t; s <= StrongestTier; s++ {
		if f.dispatch.Available(s) {
			return s
		}
	}
	for s := t - 1; s >= TierLocal; s-- {
		if f.dispatch.Available(s) {
			return s
		}
	}
	return t
}

// better returns the preferable of two results for the same item.
func better(cur, next Result) Result {
	switch {
	case next.WellFormed() && !cur.WellFormed():
		return next
	case next.WellFormed() && cur.WellFormed():
		if next.Confidence > cur.Confidence {
			return next
		}
		return cur
	case cur.WellFormed():
		return cur
	default:
		return next
	}
}
