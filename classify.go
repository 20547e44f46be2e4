package graderouter

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"

	"github.com/jellydator/ttlcache/v3"
)

// Classifier scores how hard a request is to grade and recommends a tier.
// It performs no I/O. Results are memoised per classification input.
type Classifier struct {
	cfg  ClassifierConfig
	memo *ttlcache.Cache[uint64, ComplexityAnalysis]

	fastPath atomic.Int64
	fullPath atomic.Int64
	memoHits atomic.Int64
}

// ClassifierStats counts classification paths taken.
type ClassifierStats struct {
	FastPath int64
	FullPath int64
	MemoHits int64
}

// NewClassifier creates a Classifier.
func NewClassifier(cfg ClassifierConfig) *Classifier {
	c := &Classifier{cfg: cfg}
	if cfg.MemoTTL > 0 {
		opts := []ttlcache.Option[uint64, ComplexityAnalysis]{
			ttlcache.WithTTL[uint64, ComplexityAnalysis](cfg.MemoTTL),
		}
		if cfg.MemoCapacity > 0 {
			opts = append(opts, ttlcache.WithCapacity[uint64, ComplexityAnalysis](cfg.MemoCapacity))
		}
		c.memo = ttlcache.New(opts...)
	}
	return c
}

// Classify analyses one request. The same input always yields the same analysis.
func (c *Classifier) Classify(req GradingRequest) ComplexityAnalysis {
	var key uint64
	if c.memo != nil {
		key = classifyKey(req)
		if item := c.memo.Get(key); item != nil {
			c.memoHits.Add(1)
			return cloneAnalysis(item.Value())
		}
	}

	var a ComplexityAnalysis
	if c.fastPathEligible(req) {
		c.fastPath.Add(1)
		a = c.classifyFast(req)
	} else {
		c.fullPath.Add(1)
		a = c.classifyFull(req)
	}

	if c.memo != nil {
		c.memo.Set(key, cloneAnalysis(a), ttlcache.DefaultTTL)
	}
	return a
}

// ClassifyAll analyses each request in order.
func (c *Classifier) ClassifyAll(reqs []GradingRequest) []ComplexityAnalysis {
	out := make([]ComplexityAnalysis, len(reqs))
	for i, r := range reqs {
		out[i] = c.Classify(r)
	}
	return out
}

// Stats returns the path counters.
func (c *Classifier) Stats() ClassifierStats {
	return ClassifierStats{
		FastPath: c.fastPath.Load(),
		FullPath: c.fullPath.Load(),
		MemoHits: c.memoHits.Load(),
	}
}

func (c *Classifier) fastPathEligible(req GradingRequest) bool {
	return c.closedAnswer(req) &&
		req.DetectionConfidence >= c.cfg.FastPathMinConfidence &&
		len(req.Flags) == 0 &&
		hasReference(req)
}

// classifyFast evaluates only the terms that can be non-zero for a clean,
// closed-form answer: detection confidence and cross-validation.
func (c *Classifier) classifyFast(req GradingRequest) ComplexityAnalysis {
	var reasons []string
	score := c.confidenceTerm(req, &reasons)
	if !req.CrossValidated {
		score += c.cfg.NoCrossCheckPenalty
		reasons = append(reasons, fmt.Sprintf("not cross-validated (+%.0f)", c.cfg.NoCrossCheckPenalty))
	}
	a := c.finish(score, reasons)
	a.FastPath = true
	return a
}

func (c *Classifier) classifyFull(req GradingRequest) ComplexityAnalysis {
	if !hasReference(req) {
		return c.finish(100, []string{"no reference answer"})
	}

	var reasons []string
	score := c.confidenceTerm(req, &reasons)

	for _, p := range []struct {
		flag    QualityFlag
		penalty float64
	}{
		{FlagAmbiguousMark, c.cfg.AmbiguousPenalty},
		{FlagMultipleMarks, c.cfg.MultipleMarksPenalty},
		{FlagReviewRequired, c.cfg.ReviewPenalty},
	} {
		if req.HasFlag(p.flag) {
			score += p.penalty
			reasons = append(reasons, fmt.Sprintf("flag %s (+%.0f)", p.flag, p.penalty))
		}
	}

	if sp, label := c.structurePenalty(req); sp > 0 {
		score += sp
		reasons = append(reasons, fmt.Sprintf("%s answer (+%.0f)", label, sp))
	}

	if !req.CrossValidated {
		score += c.cfg.NoCrossCheckPenalty
		reasons = append(reasons, fmt.Sprintf("not cross-validated (+%.0f)", c.cfg.NoCrossCheckPenalty))
	}

	return c.finish(score, reasons)
}

func (c *Classifier) confidenceTerm(req GradingRequest, reasons *[]string) float64 {
	conf := clamp(req.DetectionConfidence, 0, 100)
	term := (100 - conf) * c.cfg.ConfidenceWeight
	if term > 0 {
		*reasons = append(*reasons, fmt.Sprintf("detection confidence %.0f (+%.1f)", conf, term))
	}
	return term
}

func (c *Classifier) structurePenalty(req GradingRequest) (float64, string) {
	if c.closedAnswer(req) {
		return 0, "closed"
	}
	switch req.AnswerType {
	case AnswerNumeric:
		return c.cfg.NumericPenalty, "numeric"
	case AnswerShort:
		return c.cfg.ShortAnswerPenalty, "short"
	case AnswerEssay:
		return c.cfg.EssayPenalty, "long-form"
	default:
		return c.cfg.UnknownTypePenalty, "unknown-format"
	}
}

func (c *Classifier) closedAnswer(req GradingRequest) bool {
	switch req.AnswerType {
	case AnswerMultipleChoice, AnswerTrueFalse:
		return true
	case AnswerEssay:
		return false
	}
	n := len(req.AnswerOptions)
	return n > 0 && n <= c.cfg.MaxClosedOptions
}

// finish maps a raw score to bucket, tier and decision confidence.
func (c *Classifier) finish(score float64, reasons []string) ComplexityAnalysis {
	score = clamp(score, 0, 100)

	var (
		b Bucket
		t Tier
	)
	switch {
	case score <= c.cfg.SimpleThreshold:
		b, t = BucketSimple, TierLocal
	case score <= c.cfg.MediumThreshold:
		b, t = BucketMedium, TierCheapRemote
	default:
		b, t = BucketComplex, TierPremiumRemote
	}

	d := math.Min(math.Abs(score-c.cfg.SimpleThreshold), math.Abs(score-c.cfg.MediumThreshold))
	conf := 50 + 50*math.Min(d/c.cfg.ConfidenceSpread, 1)

	return ComplexityAnalysis{
		Score:      score,
		Tier:       t,
		Bucket:     b,
		Confidence: conf,
		Reasons:    reasons,
	}
}

func hasReference(req GradingRequest) bool {
	return strings.TrimSpace(req.ReferenceAnswer) != ""
}

func cloneAnalysis(a ComplexityAnalysis) ComplexityAnalysis {
	if a.Reasons != nil {
		a.Reasons = append([]string(nil), a.Reasons...)
	}
	return a
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
