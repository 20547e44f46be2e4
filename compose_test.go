package graderouter_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gr "github.com/ineyio/graderouter"
)

func compose(t *testing.T, cfg gr.Config, reqs []gr.GradingRequest) []gr.Batch {
	t.Helper()
	c := gr.NewClassifier(cfg.Classifier)
	batches, err := gr.NewComposer(cfg).Compose(reqs, c.ClassifyAll(reqs))
	require.NoError(t, err)
	return batches
}

func countItems(batches []gr.Batch) int {
	n := 0
	for _, b := range batches {
		n += b.Size()
	}
	return n
}

func TestCompose_SimpleItemsFillLocalBatches(t *testing.T) {
	reqs := make([]gr.GradingRequest, 10)
	for i := range reqs {
		reqs[i] = mcRequest("s1", i, 95)
		reqs[i].CrossValidated = false
	}

	batches := compose(t, testConfig(), reqs)

	require.Len(t, batches, 2)
	assert.Equal(t, 8, batches[0].Size())
	assert.Equal(t, 2, batches[1].Size())
	for _, b := range batches {
		assert.Equal(t, gr.TierLocal, b.Tier)
		assert.Equal(t, gr.BucketSimple, b.Bucket)
		assert.Equal(t, "s1", b.GroupID)
		assert.NotEmpty(t, b.ID)
		assert.Zero(t, b.Attempt)
	}
	assert.NotEqual(t, batches[0].ID, batches[1].ID)
}

func TestCompose_IsolationSplitsPremiumEssays(t *testing.T) {
	reqs := []gr.GradingRequest{
		essayRequest("s1", 0, 95, gr.FlagAmbiguousMark),
		essayRequest("s1", 1, 20),
		essayRequest("s1", 2, 55),
	}

	batches := compose(t, testConfig(), reqs)

	require.Len(t, batches, 3)
	seen := map[int]bool{}
	for _, b := range batches {
		require.Equal(t, 1, b.Size())
		assert.Equal(t, gr.TierPremiumRemote, b.Tier)
		assert.Equal(t, gr.BucketComplex, b.Bucket)
		seen[b.Items[0].Request.ItemIndex] = true
	}
	assert.Len(t, seen, 3)
}

func TestCompose_ConservativeTiersKeepSubjectsApart(t *testing.T) {
	geo := shortRequest("s1", 0, 80)
	geo2 := shortRequest("s1", 1, 80)
	bio := shortRequest("s1", 2, 80)
	bio.Subject = "biology"
	bio.SkillTags = []string{"cells"}

	batches := compose(t, testConfig(), []gr.GradingRequest{geo, bio, geo2})

	require.Len(t, batches, 2)
	for _, b := range batches {
		assert.Equal(t, gr.TierCheapRemote, b.Tier)
		subject := b.Items[0].Request.Subject
		for _, it := range b.Items {
			assert.Equal(t, subject, it.Request.Subject)
		}
	}
	assert.Equal(t, 3, countItems(batches))
}

func TestCompose_AggressiveTierMixesFormats(t *testing.T) {
	mc := mcRequest("s1", 0, 95)
	tf := mcRequest("s1", 1, 95)
	tf.AnswerType = gr.AnswerTrueFalse
	tf.Subject = "logic"

	batches := compose(t, testConfig(), []gr.GradingRequest{mc, tf})
	require.Len(t, batches, 1)
	assert.Equal(t, 2, batches[0].Size())
}

func TestCompose_ConservativeBatchCap(t *testing.T) {
	cfg := testConfig()
	cfg.CheapRemote.MaxBatch.Medium = 4
	cfg.CheapRemote.MinIsolation = 0

	var reqs []gr.GradingRequest
	for i := 0; i < 9; i++ {
		reqs = append(reqs, shortRequest("s1", i, 80))
	}

	batches := compose(t, cfg, reqs)
	for _, b := range batches {
		assert.LessOrEqual(t, b.Size(), gr.MaxConservativeBatch)
	}
	assert.Equal(t, 9, countItems(batches))
}

func TestCompose_Ordering(t *testing.T) {
	reqs := []gr.GradingRequest{
		essayRequest("s1", 0, 50),
		shortRequest("s1", 1, 80),
		mcRequest("s1", 2, 99),
		mcRequest("s1", 3, 90),
	}
	reqs[3].CrossValidated = false

	batches := compose(t, testConfig(), reqs)
	require.Len(t, batches, 3)

	assert.Equal(t, gr.TierLocal, batches[0].Tier)
	assert.Equal(t, gr.TierCheapRemote, batches[1].Tier)
	assert.Equal(t, gr.TierPremiumRemote, batches[2].Tier)

	// Priority is the mean complexity score of the batch.
	assert.InDelta(t, (0.4+14)/2, batches[0].Priority, 1e-9)
}

func TestCompose_EveryRequestExactlyOnce(t *testing.T) {
	var reqs []gr.GradingRequest
	for i := 0; i < 7; i++ {
		reqs = append(reqs, mcRequest("s1", i, 95))
	}
	for i := 7; i < 12; i++ {
		reqs = append(reqs, shortRequest("s1", i, 70+float64(i)))
	}
	for i := 12; i < 16; i++ {
		reqs = append(reqs, essayRequest("s1", i, 30+float64(i)))
	}

	batches := compose(t, testConfig(), reqs)

	seen := make(map[int]int)
	for _, b := range batches {
		for _, it := range b.Items {
			seen[it.Request.ItemIndex]++
		}
	}
	require.Len(t, seen, len(reqs))
	for idx, n := range seen {
		assert.Equal(t, 1, n, "item %d", idx)
	}
}

func TestCompose_LengthMismatch(t *testing.T) {
	_, err := gr.NewComposer(testConfig()).Compose(
		[]gr.GradingRequest{mcRequest("s1", 0, 95)}, nil)
	assert.ErrorIs(t, err, gr.ErrInvalidRequest)
}

func TestCompose_RoutingDecision(t *testing.T) {
	batches := compose(t, testConfig(), []gr.GradingRequest{
		mcRequest("s1", 0, 95),
		essayRequest("s1", 1, 40),
	})
	require.Len(t, batches, 2)

	local, premium := batches[0], batches[1]
	assert.Equal(t, gr.StrategyEscalate, local.Decision.Fallback)
	assert.Equal(t, gr.RiskLow, local.Decision.Risk)
	assert.Equal(t, gr.StrategyRetry, premium.Decision.Fallback)
	assert.Equal(t, gr.RiskHigh, premium.Decision.Risk)

	assert.Greater(t, premium.Decision.EstimatedCost, local.Decision.EstimatedCost)
	assert.Equal(t, testConfig().PremiumRemote.Latency, premium.Decision.EstimatedTime)
}

func TestIsolationScore(t *testing.T) {
	bc := gr.DefaultConfig().Batching

	assert.Equal(t, 1.0, gr.IsolationScore(1, gr.ConfidenceRange{Min: 0, Max: 100}, bc))
	assert.InDelta(t, 0.85, gr.IsolationScore(2, gr.ConfidenceRange{Min: 80, Max: 80}, bc), 1e-9)
	assert.InDelta(t, 0.85-0.225, gr.IsolationScore(2, gr.ConfidenceRange{Min: 20, Max: 95}, bc), 1e-9)
	assert.InDelta(t, 0.55, gr.IsolationScore(4, gr.ConfidenceRange{Min: 70, Max: 70}, bc), 1e-9)
}

func TestSkillAlignment(t *testing.T) {
	item := func(typ gr.AnswerType, tags ...string) gr.BatchItem {
		return gr.BatchItem{Request: gr.GradingRequest{AnswerType: typ, SkillTags: tags}}
	}

	assert.Equal(t, 1.0, gr.SkillAlignment(nil))
	assert.Equal(t, 1.0, gr.SkillAlignment([]gr.BatchItem{
		item(gr.AnswerShort, "algebra"), item(gr.AnswerShort, "Algebra", "fractions"),
	}))
	assert.Equal(t, 0.5, gr.SkillAlignment([]gr.BatchItem{
		item(gr.AnswerShort, "algebra"), item(gr.AnswerShort, "geometry"),
	}))
	assert.InDelta(t, 2.0/3, gr.SkillAlignment([]gr.BatchItem{
		item(gr.AnswerShort), item(gr.AnswerShort), item(gr.AnswerEssay),
	}), 1e-9)
}

func TestAssessRisk(t *testing.T) {
	tests := []struct {
		name   string
		r      gr.ConfidenceRange
		bucket gr.Bucket
		want   gr.Risk
	}{
		{"clean simple", gr.ConfidenceRange{Min: 90, Max: 95}, gr.BucketSimple, gr.RiskLow},
		{"complex confident", gr.ConfidenceRange{Min: 80, Max: 90}, gr.BucketComplex, gr.RiskMedium},
		{"complex low confidence", gr.ConfidenceRange{Min: 40, Max: 45}, gr.BucketComplex, gr.RiskHigh},
		{"complex wide", gr.ConfidenceRange{Min: 55, Max: 95}, gr.BucketComplex, gr.RiskHigh},
		{"simple wide", gr.ConfidenceRange{Min: 60, Max: 95}, gr.BucketSimple, gr.RiskMedium},
		{"very low confidence", gr.ConfidenceRange{Min: 20, Max: 25}, gr.BucketSimple, gr.RiskHigh},
		{"medium mid confidence", gr.ConfidenceRange{Min: 55, Max: 60}, gr.BucketMedium, gr.RiskMedium},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, gr.AssessRisk(tt.r, tt.bucket, 30))
		})
	}
}
