package graderouter

// EstimateTokens provides a rough token count estimate for a batch prompt.
// Uses the approximation: ~4 chars per token + overhead per item.
func EstimateTokens(items []GradingRequest) int64 {
	var total int64
	for _, it := range items {
		// ~4 chars per token
		total += int64(len(it.Question)+len(it.CandidateAnswer)+len(it.ReferenceAnswer)) / 4
		for _, o := range it.AnswerOptions {
			total += int64(len(o))/4 + 1
		}
		// overhead per item (ids, field names, formatting)
		total += 12
	}
	// base overhead for the grading instructions
	total += 60
	return total
}

// estimateCost returns the expected cost of one call to a tier.
func estimateCost(tc TierConfig, items []GradingRequest) float64 {
	cost := tc.CostPerCall
	if tc.CostPerToken > 0 {
		cost += float64(EstimateTokens(items)) * tc.CostPerToken
	}
	return cost
}
