package graderouter

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Composer groups classified requests into batches per tier discipline.
type Composer struct {
	cfg Config
}

// NewComposer creates a Composer.
func NewComposer(cfg Config) *Composer {
	return &Composer{cfg: cfg}
}

type groupKey struct {
	tier    Tier
	bucket  Bucket
	subject string
	skill   string
	format  AnswerType
}

type composeGroup struct {
	key   groupKey
	first int
	items []BatchItem
}

// Compose partitions reqs into batches. analyses[i] must belong to reqs[i].
// Every request lands in exactly one batch.
func (c *Composer) Compose(reqs []GradingRequest, analyses []ComplexityAnalysis) ([]Batch, error) {
	if len(reqs) != len(analyses) {
		return nil, fmt.Errorf("%w: %d requests but %d analyses", ErrInvalidRequest, len(reqs), len(analyses))
	}

	var groups []*composeGroup
	index := make(map[groupKey]*composeGroup)
	for i, req := range reqs {
		a := analyses[i]
		key := groupKey{tier: a.Tier, bucket: a.Bucket}
		if c.cfg.Tier(a.Tier).Discipline == DisciplineConservative {
			key.subject = normalize(req.Subject)
			key.skill = primarySkill(req)
			key.format = req.AnswerType
		}
		g, ok := index[key]
		if !ok {
			g = &composeGroup{key: key, first: i}
			index[key] = g
			groups = append(groups, g)
		}
		g.items = append(g.items, BatchItem{Request: req, Analysis: a})
	}

	type ordered struct {
		batch Batch
		first int
	}
	var out []ordered
	for _, g := range groups {
		for _, chunk := range c.chunk(g) {
			out = append(out, ordered{batch: c.build(chunk, g.key.tier, 0, StrategyNone), first: g.first})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].batch, out[j].batch
		if a.Tier != b.Tier {
			return a.Tier < b.Tier
		}
		if a.Bucket != b.Bucket {
			return a.Bucket < b.Bucket
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return out[i].first < out[j].first
	})

	batches := make([]Batch, len(out))
	for i, o := range out {
		batches[i] = o.batch
	}
	return batches, nil
}

// chunk splits a group by the tier's max batch size and, for conservative
// tiers, breaks up chunks that fail the isolation or alignment checks.
func (c *Composer) chunk(g *composeGroup) [][]BatchItem {
	tc := c.cfg.Tier(g.key.tier)
	size := tc.MaxBatch.For(g.key.bucket)
	if size < 1 {
		size = 1
	}
	conservative := tc.Discipline == DisciplineConservative
	if conservative && size > MaxConservativeBatch {
		size = MaxConservativeBatch
	}

	var chunks [][]BatchItem
	for start := 0; start < len(g.items); start += size {
		end := min(start+size, len(g.items))
		chunk := g.items[start:end:end]

		if conservative && len(chunk) > 1 && !c.acceptable(tc, chunk) {
			for i := range chunk {
				chunks = append(chunks, chunk[i:i+1:i+1])
			}
			continue
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

func (c *Composer) acceptable(tc TierConfig, items []BatchItem) bool {
	return IsolationScore(len(items), confidenceRange(items), c.cfg.Batching) >= tc.MinIsolation &&
		SkillAlignment(items) >= tc.MinSkillAlignment
}

// IsolationScore estimates how well items in a shared backend call stay
// independent of each other. A single item always scores 1.
func IsolationScore(n int, r ConfidenceRange, bc BatchingConfig) float64 {
	if n <= 1 {
		return 1
	}
	return 1 - float64(n-1)*bc.IsolationPenalty - r.Width()/100*bc.SpreadPenalty
}

// SkillAlignment is the largest share of items that carry a common skill tag.
// Without tags it falls back to the share of the most common answer type.
func SkillAlignment(items []BatchItem) float64 {
	if len(items) == 0 {
		return 1
	}

	tags := make(map[string]int)
	formats := make(map[AnswerType]int)
	tagged := false
	for _, it := range items {
		seen := make(map[string]bool)
		for _, t := range normalizedTags(it.Request.SkillTags) {
			if !seen[t] {
				seen[t] = true
				tags[t]++
				tagged = true
			}
		}
		formats[it.Request.AnswerType]++
	}

	best := 0
	if tagged {
		for _, n := range tags {
			best = max(best, n)
		}
	} else {
		for _, n := range formats {
			best = max(best, n)
		}
	}
	return float64(best) / float64(len(items))
}

// build assembles a batch with its derived fields and routing decision.
func (c *Composer) build(items []BatchItem, tier Tier, attempt int, s Strategy) Batch {
	b := Batch{
		ID:              uuid.NewString(),
		GroupID:         commonGroup(items),
		Items:           items,
		Tier:            tier,
		Bucket:          hardestBucket(items),
		ConfidenceRange: confidenceRange(items),
		Priority:        meanScore(items),
		Attempt:         attempt,
		Strategy:        s,
	}
	b.Decision = decide(c.cfg, b)
	return b
}

func primarySkill(req GradingRequest) string {
	for _, t := range req.SkillTags {
		if n := normalize(t); n != "" {
			return n
		}
	}
	return ""
}

func confidenceRange(items []BatchItem) ConfidenceRange {
	if len(items) == 0 {
		return ConfidenceRange{}
	}
	r := ConfidenceRange{Min: 100, Max: 0}
	for _, it := range items {
		v := clamp(it.Request.DetectionConfidence, 0, 100)
		r.Min = min(r.Min, v)
		r.Max = max(r.Max, v)
	}
	return r
}

func hardestBucket(items []BatchItem) Bucket {
	b := BucketSimple
	for _, it := range items {
		b = max(b, it.Analysis.Bucket)
	}
	return b
}

func meanScore(items []BatchItem) float64 {
	if len(items) == 0 {
		return 0
	}
	var sum float64
	for _, it := range items {
		sum += it.Analysis.Score
	}
	return sum / float64(len(items))
}

func commonGroup(items []BatchItem) string {
	if len(items) == 0 {
		return ""
	}
	g := items[0].Request.GroupID
	for _, it := range items[1:] {
		if it.Request.GroupID != g {
			return ""
		}
	}
	return g
}
