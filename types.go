package graderouter

import (
	"fmt"
	"math"
)

// GradingRequest is one question of one student's submission.
// Identity is (GroupID, ItemIndex). The router never mutates a request.
type GradingRequest struct {
	GroupID   string `json:"group_id"`
	ItemIndex int    `json:"item_index"`

	Question        string   `json:"question"`
	CandidateAnswer string   `json:"candidate_answer"`
	ReferenceAnswer string   `json:"reference_answer"`
	SkillTags       []string `json:"skill_tags,omitempty"`
	Subject         string   `json:"subject,omitempty"`

	// AnswerType is the expected answer format. AnswerOptions, when set, is the
	// closed answer set the candidate chose from.
	AnswerType    AnswerType `json:"answer_type,omitempty"`
	AnswerOptions []string   `json:"answer_options,omitempty"`

	// DetectionConfidence is the upstream OCR/mark detection confidence, 0-100.
	DetectionConfidence float64       `json:"detection_confidence"`
	Flags               []QualityFlag `json:"flags,omitempty"`
	CrossValidated      bool          `json:"cross_validated,omitempty"`

	MaxPoints float64 `json:"max_points,omitempty"`
}

// HasFlag reports whether the request carries the given quality flag.
func (r GradingRequest) HasFlag(f QualityFlag) bool {
	for _, x := range r.Flags {
		if x == f {
			return true
		}
	}
	return false
}

func (r GradingRequest) key() itemKey {
	return itemKey{group: r.GroupID, index: r.ItemIndex}
}

type itemKey struct {
	group string
	index int
}

// QualityFlag marks an upstream detection concern.
type QualityFlag string

const (
	FlagAmbiguousMark  QualityFlag = "ambiguous_mark"
	FlagMultipleMarks  QualityFlag = "multiple_marks"
	FlagReviewRequired QualityFlag = "review_required"
)

// AnswerType describes the structure of the expected answer.
type AnswerType string

const (
	AnswerUnknown        AnswerType = ""
	AnswerMultipleChoice AnswerType = "multiple_choice"
	AnswerTrueFalse      AnswerType = "true_false"
	AnswerNumeric        AnswerType = "numeric"
	AnswerShort          AnswerType = "short_answer"
	AnswerEssay          AnswerType = "essay"
)

// Result is the grading outcome for one item.
type Result struct {
	GroupID    string  `json:"group_id"`
	ItemIndex  int     `json:"item_index"`
	Score      float64 `json:"score"`
	MaxScore   float64 `json:"max_score,omitempty"`
	Confidence float64 `json:"confidence"`
	Feedback   string  `json:"feedback,omitempty"`
	Tier       Tier    `json:"tier"`
	Backend    string  `json:"backend,omitempty"`

	Err error `json:"-"`
}

// WellFormed reports whether r carries a usable grade.
func (r Result) WellFormed() bool {
	if r.Err != nil {
		return false
	}
	if math.IsNaN(r.Score) || math.IsInf(r.Score, 0) || r.Score < 0 {
		return false
	}
	if r.MaxScore > 0 && r.Score > r.MaxScore {
		return false
	}
	return r.Confidence >= 0 && r.Confidence <= 100
}

// Tier is a class of scoring backend. Ordered by cost and strength.
type Tier int

const (
	TierLocal Tier = iota
	TierCheapRemote
	TierPremiumRemote
)

// Tiers lists every tier, cheapest first.
var Tiers = []Tier{TierLocal, TierCheapRemote, TierPremiumRemote}

// StrongestTier is the most capable tier.
const StrongestTier = TierPremiumRemote

func (t Tier) String() string {
	switch t {
	case TierLocal:
		return "local"
	case TierCheapRemote:
		return "cheap-remote"
	case TierPremiumRemote:
		return "premium-remote"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// ParseTier parses the String form of a tier.
func ParseTier(s string) (Tier, error) {
	for _, t := range Tiers {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("graderouter: unknown tier %q", s)
}

// IsRemote reports whether calls to this tier leave the process.
func (t Tier) IsRemote() bool { return t > TierLocal }

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool { return t >= TierLocal && t <= TierPremiumRemote }

// Escalate returns the next stronger tier, or t itself at the top.
func (t Tier) Escalate() Tier {
	if t >= StrongestTier {
		return StrongestTier
	}
	return t + 1
}

// Cheaper returns the next cheaper tier, or t itself at the bottom.
func (t Tier) Cheaper() Tier {
	if t <= TierLocal {
		return TierLocal
	}
	return t - 1
}

// Bucket is a coarse complexity class used for batch sizing.
type Bucket int

const (
	BucketSimple Bucket = iota
	BucketMedium
	BucketComplex
)

func (b Bucket) String() string {
	switch b {
	case BucketSimple:
		return "simple"
	case BucketMedium:
		return "medium"
	case BucketComplex:
		return "complex"
	default:
		return fmt.Sprintf("bucket(%d)", int(b))
	}
}

// ComplexityAnalysis is the classifier output attached to one request.
type ComplexityAnalysis struct {
	Score      float64  // 0-100, higher is harder
	Tier       Tier     // recommended tier
	Bucket     Bucket   // complexity bucket derived from Score
	Confidence float64  // 0-100, certainty of the tier decision
	Reasons    []string // human-readable reasoning
	FastPath   bool
}

// ConfidenceRange is the [Min, Max] detection confidence of a batch.
type ConfidenceRange struct {
	Min float64
	Max float64
}

// Width returns Max - Min.
func (r ConfidenceRange) Width() float64 { return r.Max - r.Min }

// BatchItem pairs a request with its analysis.
type BatchItem struct {
	Request  GradingRequest
	Analysis ComplexityAnalysis
}

// Batch is an ephemeral group of items dispatched in one backend call.
type Batch struct {
	ID              string
	GroupID         string
	Items           []BatchItem
	Tier            Tier
	Bucket          Bucket
	ConfidenceRange ConfidenceRange
	Priority        float64
	Decision        RoutingDecision

	// Attempt is 0 for the first dispatch and counts fallback rounds after that.
	Attempt  int
	Strategy Strategy
}

// Size returns the number of items in the batch.
func (b Batch) Size() int { return len(b.Items) }

// Requests returns the batch requests in order.
func (b Batch) Requests() []GradingRequest {
	out := make([]GradingRequest, len(b.Items))
	for i, it := range b.Items {
		out[i] = it.Request
	}
	return out
}

// Strategy is a fallback strategy.
type Strategy string

const (
	StrategyNone       Strategy = ""
	StrategyRetry      Strategy = "retry"
	StrategySplit      Strategy = "split"
	StrategyIndividual Strategy = "individual"
	StrategyEscalate   Strategy = "escalate"
)

// Risk is the assessed risk of dispatching a batch as composed.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)
