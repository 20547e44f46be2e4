package graderouter_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"

	gr "github.com/ineyio/graderouter"
)

func TestClassify_Tiers(t *testing.T) {
	c := gr.NewClassifier(gr.DefaultConfig().Classifier)

	tests := []struct {
		name   string
		req    gr.GradingRequest
		score  float64
		bucket gr.Bucket
		tier   gr.Tier
	}{
		{"clean multiple choice", mcRequest("g", 0, 95), 2, gr.BucketSimple, gr.TierLocal},
		{"multiple choice without cross-check", func() gr.GradingRequest {
			r := mcRequest("g", 0, 95)
			r.CrossValidated = false
			return r
		}(), 12, gr.BucketSimple, gr.TierLocal},
		{"short answer", shortRequest("g", 0, 80), 43, gr.BucketMedium, gr.TierCheapRemote},
		{"ambiguous essay", essayRequest("g", 0, 95, gr.FlagAmbiguousMark), 82, gr.BucketComplex, gr.TierPremiumRemote},
		{"low confidence essay", essayRequest("g", 0, 20), 87, gr.BucketComplex, gr.TierPremiumRemote},
		{"everything wrong clamps", essayRequest("g", 0, 0,
			gr.FlagAmbiguousMark, gr.FlagMultipleMarks, gr.FlagReviewRequired), 100, gr.BucketComplex, gr.TierPremiumRemote},
		{"numeric", gr.GradingRequest{
			AnswerType: gr.AnswerNumeric, ReferenceAnswer: "42",
			DetectionConfidence: 90, CrossValidated: true,
		}, 14, gr.BucketSimple, gr.TierLocal},
		{"few options count as closed", gr.GradingRequest{
			AnswerOptions: []string{"yes", "no", "maybe"}, ReferenceAnswer: "yes",
			DetectionConfidence: 100, CrossValidated: true,
		}, 0, gr.BucketSimple, gr.TierLocal},
		{"unknown format", gr.GradingRequest{
			ReferenceAnswer: "x", DetectionConfidence: 100, CrossValidated: true,
		}, 20, gr.BucketSimple, gr.TierLocal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := c.Classify(tt.req)
			assert.InDelta(t, tt.score, a.Score, 1e-9)
			assert.Equal(t, tt.bucket, a.Bucket)
			assert.Equal(t, tt.tier, a.Tier)
			assert.GreaterOrEqual(t, a.Confidence, 50.0)
			assert.LessOrEqual(t, a.Confidence, 100.0)
		})
	}
}

func TestClassify_MissingReferenceIsPremium(t *testing.T) {
	c := gr.NewClassifier(gr.DefaultConfig().Classifier)

	req := mcRequest("g", 0, 99)
	req.ReferenceAnswer = "   "

	a := c.Classify(req)
	assert.Equal(t, 100.0, a.Score)
	assert.Equal(t, gr.TierPremiumRemote, a.Tier)
	assert.Contains(t, a.Reasons, "no reference answer")
	assert.False(t, a.FastPath)
}

func TestClassify_ConfidenceNearBoundary(t *testing.T) {
	cfg := gr.DefaultConfig().Classifier
	cfg.ConfidenceWeight = 0.5
	c := gr.NewClassifier(cfg)

	// Score 30 sits exactly on the simple/medium boundary.
	req := gr.GradingRequest{
		AnswerType: gr.AnswerMultipleChoice, ReferenceAnswer: "A",
		DetectionConfidence: 40, CrossValidated: true,
	}
	a := c.Classify(req)
	assert.InDelta(t, 30, a.Score, 1e-9)
	assert.Equal(t, gr.BucketSimple, a.Bucket)
	assert.InDelta(t, 50, a.Confidence, 1e-9)

	// Far from both thresholds the decision is certain.
	assert.InDelta(t, 100, c.Classify(mcRequest("g", 0, 100)).Confidence, 1e-9)
}

func TestClassify_FastPathMatchesFullPath(t *testing.T) {
	fastCfg := gr.DefaultConfig().Classifier
	fastCfg.MemoTTL = 0
	fullCfg := fastCfg
	fullCfg.FastPathMinConfidence = 101

	fast := gr.NewClassifier(fastCfg)
	full := gr.NewClassifier(fullCfg)

	var reqs []gr.GradingRequest
	for _, conf := range []float64{85, 88.5, 92, 97, 100} {
		for _, cross := range []bool{true, false} {
			for _, typ := range []gr.AnswerType{gr.AnswerMultipleChoice, gr.AnswerTrueFalse} {
				reqs = append(reqs, gr.GradingRequest{
					AnswerType: typ, ReferenceAnswer: "A",
					DetectionConfidence: conf, CrossValidated: cross,
				})
			}
		}
	}

	ignore := cmpopts.IgnoreFields(gr.ComplexityAnalysis{}, "FastPath")
	for _, req := range reqs {
		a, b := fast.Classify(req), full.Classify(req)
		assert.True(t, a.FastPath)
		assert.False(t, b.FastPath)
		if diff := cmp.Diff(b, a, ignore); diff != "" {
			t.Errorf("fast path differs for %+v (-full +fast):\n%s", req, diff)
		}
	}

	assert.Equal(t, int64(len(reqs)), fast.Stats().FastPath)
	assert.Equal(t, int64(len(reqs)), full.Stats().FullPath)
}

func TestClassify_FlagsDisableFastPath(t *testing.T) {
	c := gr.NewClassifier(gr.DefaultConfig().Classifier)

	req := mcRequest("g", 0, 95)
	req.Flags = []gr.QualityFlag{gr.FlagReviewRequired}

	a := c.Classify(req)
	assert.False(t, a.FastPath)
	assert.InDelta(t, 17, a.Score, 1e-9)
}

func TestClassify_Memoised(t *testing.T) {
	c := gr.NewClassifier(gr.DefaultConfig().Classifier)

	// Identity and answer text are not classification inputs.
	a := c.Classify(essayRequest("g1", 0, 40))
	r2 := essayRequest("g2", 5, 40)
	r2.CandidateAnswer = "something else entirely"
	b := c.Classify(r2)

	assert.Equal(t, a, b)
	assert.Equal(t, int64(1), c.Stats().MemoHits)
	assert.Equal(t, int64(1), c.Stats().FullPath)

	// Mutating a returned analysis does not leak into the memo.
	b.Reasons[0] = "changed"
	assert.NotEqual(t, "changed", c.Classify(r2).Reasons[0])
}

func TestClassifyAll_Order(t *testing.T) {
	c := gr.NewClassifier(gr.DefaultConfig().Classifier)

	reqs := []gr.GradingRequest{essayRequest("g", 0, 50), mcRequest("g", 1, 99), shortRequest("g", 2, 80)}
	out := c.ClassifyAll(reqs)

	assert.Equal(t, []gr.Tier{gr.TierPremiumRemote, gr.TierLocal, gr.TierCheapRemote},
		[]gr.Tier{out[0].Tier, out[1].Tier, out[2].Tier})
}
