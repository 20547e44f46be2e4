package graderouter

import "time"

// RoutingDecision is the pre-dispatch assessment attached to a batch.
type RoutingDecision struct {
	EstimatedCost float64
	EstimatedTime time.Duration
	Fallback      Strategy // strategy planned if the batch underperforms
	Risk          Risk
}

// AssessRisk rates a batch from its confidence range and bucket alone.
func AssessRisk(r ConfidenceRange, b Bucket, wideRange float64) Risk {
	wide := r.Width() >= wideRange
	switch {
	case b == BucketComplex && (r.Min < 50 || wide), r.Min < 30:
		return RiskHigh
	case b == BucketComplex || wide || r.Min < 60:
		return RiskMedium
	default:
		return RiskLow
	}
}

// decide builds the routing decision for a composed batch.
func decide(cfg Config, b Batch) RoutingDecision {
	tc := cfg.Tier(b.Tier)
	risk := AssessRisk(b.ConfidenceRange, b.Bucket, cfg.Fallback.WideRangeThreshold)

	return RoutingDecision{
		EstimatedCost: estimateCost(tc, b.Requests()),
		EstimatedTime: tc.Latency,
		Fallback:      plannedFallback(b, risk, cfg.Fallback.WideRangeThreshold),
		Risk:          risk,
	}
}

// plannedFallback mirrors the first-attempt branch of Decide, using risk in
// place of the not yet known quality.
func plannedFallback(b Batch, risk Risk, wideRange float64) Strategy {
	switch {
	case b.Size() == 1 && b.Tier < StrongestTier:
		return StrategyEscalate
	case b.Size() == 1:
		return StrategyRetry
	case b.ConfidenceRange.Width() >= wideRange:
		return StrategySplit
	case risk == RiskHigh:
		return StrategyIndividual
	default:
		return StrategyRetry
	}
}
