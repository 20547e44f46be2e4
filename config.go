package graderouter

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the top-level router configuration.
type Config struct {
	Local         TierConfig `yaml:"local" toml:"local"`
	CheapRemote   TierConfig `yaml:"cheap_remote" toml:"cheap_remote"`
	PremiumRemote TierConfig `yaml:"premium_remote" toml:"premium_remote"`

	Classifier ClassifierConfig `yaml:"classifier" toml:"classifier"`
	Batching   BatchingConfig   `yaml:"batching" toml:"batching"`
	Breaker    BreakerConfig    `yaml:"breaker" toml:"breaker"`
	Fallback   FallbackConfig   `yaml:"fallback" toml:"fallback"`
	Cache      CacheConfig      `yaml:"cache" toml:"cache"`

	// RemoteStagger is the minimum gap between successive remote batch launches.
	RemoteStagger time.Duration `yaml:"remote_stagger" toml:"remote_stagger"`
	// MeterBuffer is the number of events buffered before the meter drops.
	MeterBuffer int `yaml:"meter_buffer" toml:"meter_buffer"`
}

// Discipline selects how the composer groups items for a tier.
type Discipline string

const (
	DisciplineAggressive   Discipline = "aggressive"
	DisciplineConservative Discipline = "conservative"
)

// MaxConservativeBatch is the largest batch the conservative discipline allows.
const MaxConservativeBatch = 4

// TierConfig configures one backend tier.
type TierConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent" toml:"max_concurrent"`
	CostPerCall   float64       `yaml:"cost_per_call" toml:"cost_per_call"`
	CostPerToken  float64       `yaml:"cost_per_token" toml:"cost_per_token"`
	Latency       time.Duration `yaml:"latency" toml:"latency"`
	Timeout       time.Duration `yaml:"timeout" toml:"timeout"`

	Discipline        Discipline  `yaml:"discipline" toml:"discipline"`
	MaxBatch          BucketSizes `yaml:"max_batch" toml:"max_batch"`
	MinIsolation      float64     `yaml:"min_isolation" toml:"min_isolation"`
	MinSkillAlignment float64     `yaml:"min_skill_alignment" toml:"min_skill_alignment"`
}

// BucketSizes holds a maximum batch size per complexity bucket.
type BucketSizes struct {
	Simple  int `yaml:"simple" toml:"simple"`
	Medium  int `yaml:"medium" toml:"medium"`
	Complex int `yaml:"complex" toml:"complex"`
}

// For returns the size configured for b.
func (s BucketSizes) For(b Bucket) int {
	switch b {
	case BucketSimple:
		return s.Simple
	case BucketMedium:
		return s.Medium
	default:
		return s.Complex
	}
}

// ClassifierConfig configures the complexity classifier.
type ClassifierConfig struct {
	SimpleThreshold  float64 `yaml:"simple_threshold" toml:"simple_threshold"`
	MediumThreshold  float64 `yaml:"medium_threshold" toml:"medium_threshold"`
	ConfidenceWeight float64 `yaml:"confidence_weight" toml:"confidence_weight"`
	ConfidenceSpread float64 `yaml:"confidence_spread" toml:"confidence_spread"`

	AmbiguousPenalty      float64 `yaml:"ambiguous_penalty" toml:"ambiguous_penalty"`
	MultipleMarksPenalty  float64 `yaml:"multiple_marks_penalty" toml:"multiple_marks_penalty"`
	ReviewPenalty         float64 `yaml:"review_penalty" toml:"review_penalty"`
	NoCrossCheckPenalty   float64 `yaml:"no_cross_check_penalty" toml:"no_cross_check_penalty"`
	NumericPenalty        float64 `yaml:"numeric_penalty" toml:"numeric_penalty"`
	ShortAnswerPenalty    float64 `yaml:"short_answer_penalty" toml:"short_answer_penalty"`
	UnknownTypePenalty    float64 `yaml:"unknown_type_penalty" toml:"unknown_type_penalty"`
	EssayPenalty          float64 `yaml:"essay_penalty" toml:"essay_penalty"`
	FastPathMinConfidence float64 `yaml:"fast_path_min_confidence" toml:"fast_path_min_confidence"`
	MaxClosedOptions      int     `yaml:"max_closed_options" toml:"max_closed_options"`

	MemoTTL      time.Duration `yaml:"memo_ttl" toml:"memo_ttl"`
	MemoCapacity uint64        `yaml:"memo_capacity" toml:"memo_capacity"`
}

// BatchingConfig holds composer parameters shared by all tiers.
type BatchingConfig struct {
	IsolationPenalty float64 `yaml:"isolation_penalty" toml:"isolation_penalty"`
	SpreadPenalty    float64 `yaml:"spread_penalty" toml:"spread_penalty"`
}

// BreakerConfig configures the per-tier circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" toml:"failure_threshold"`
	Window           time.Duration `yaml:"window" toml:"window"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" toml:"recovery_timeout"`
}

// FallbackConfig configures the progressive fallback controller.
type FallbackConfig struct {
	QualityThreshold   float64 `yaml:"quality_threshold" toml:"quality_threshold"`
	VeryLowQuality     float64 `yaml:"very_low_quality" toml:"very_low_quality"`
	MaxAttempts        int     `yaml:"max_attempts" toml:"max_attempts"`
	MinItemConfidence  float64 `yaml:"min_item_confidence" toml:"min_item_confidence"`
	SmallBatchSize     int     `yaml:"small_batch_size" toml:"small_batch_size"`
	WideRangeThreshold float64 `yaml:"wide_range_threshold" toml:"wide_range_threshold"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	RawTTL        time.Duration `yaml:"raw_ttl" toml:"raw_ttl"`
	SkillTTL      time.Duration `yaml:"skill_ttl" toml:"skill_ttl"`
	Capacity      int           `yaml:"capacity" toml:"capacity"`
	EvictFraction float64       `yaml:"evict_fraction" toml:"evict_fraction"`
	SweepInterval time.Duration `yaml:"sweep_interval" toml:"sweep_interval"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Local: TierConfig{
			MaxConcurrent: 16,
			CostPerCall:   0.0001,
			Latency:       200 * time.Millisecond,
			Timeout:       30 * time.Second,
			Discipline:    DisciplineAggressive,
			MaxBatch:      BucketSizes{Simple: 8, Medium: 6, Complex: 4},
		},
		CheapRemote: TierConfig{
			MaxConcurrent:     4,
			CostPerCall:       0.002,
			CostPerToken:      0.0000005,
			Latency:           1500 * time.Millisecond,
			Timeout:           45 * time.Second,
			Discipline:        DisciplineConservative,
			MaxBatch:          BucketSizes{Simple: 4, Medium: 3, Complex: 2},
			MinIsolation:      0.5,
			MinSkillAlignment: 0.5,
		},
		PremiumRemote: TierConfig{
			MaxConcurrent:     2,
			CostPerCall:       0.01,
			CostPerToken:      0.000003,
			Latency:           4 * time.Second,
			Timeout:           90 * time.Second,
			Discipline:        DisciplineConservative,
			MaxBatch:          BucketSizes{Simple: 3, Medium: 2, Complex: 2},
			MinIsolation:      0.8,
			MinSkillAlignment: 0.75,
		},
		Classifier: ClassifierConfig{
			SimpleThreshold:       30,
			MediumThreshold:       60,
			ConfidenceWeight:      0.4,
			ConfidenceSpread:      20,
			AmbiguousPenalty:      25,
			MultipleMarksPenalty:  20,
			ReviewPenalty:         15,
			NoCrossCheckPenalty:   10,
			NumericPenalty:        10,
			ShortAnswerPenalty:    25,
			UnknownTypePenalty:    20,
			EssayPenalty:          45,
			FastPathMinConfidence: 85,
			MaxClosedOptions:      5,
			MemoTTL:               10 * time.Minute,
			MemoCapacity:          10000,
		},
		Batching: BatchingConfig{
			IsolationPenalty: 0.15,
			SpreadPenalty:    0.3,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			Window:           5 * time.Minute,
			RecoveryTimeout:  30 * time.Second,
		},
		Fallback: FallbackConfig{
			QualityThreshold:   0.75,
			VeryLowQuality:     0.5,
			MaxAttempts:        3,
			MinItemConfidence:  60,
			SmallBatchSize:     2,
			WideRangeThreshold: 30,
		},
		Cache: CacheConfig{
			RawTTL:        7 * 24 * time.Hour,
			SkillTTL:      14 * 24 * time.Hour,
			Capacity:      10000,
			EvictFraction: 0.25,
			SweepInterval: time.Hour,
		},
		RemoteStagger: 200 * time.Millisecond,
		MeterBuffer:   1024,
	}
}

// Tier returns the configuration of t.
func (c Config) Tier(t Tier) TierConfig {
	switch t {
	case TierLocal:
		return c.Local
	case TierCheapRemote:
		return c.CheapRemote
	default:
		return c.PremiumRemote
	}
}

// LoadConfig reads a YAML (or, by extension, TOML) config file on top of
// DefaultConfig. Environment variables in the format ${VAR} are expanded
// before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("graderouter: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return Config{}, fmt.Errorf("graderouter: parse config: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return Config{}, fmt.Errorf("graderouter: parse config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for consistency.
func (c Config) Validate() error {
	for _, t := range Tiers {
		if err := c.Tier(t).validate(t); err != nil {
			return err
		}
	}

	cl := c.Classifier
	if cl.SimpleThreshold <= 0 || cl.MediumThreshold <= cl.SimpleThreshold || cl.MediumThreshold >= 100 {
		return fmt.Errorf("graderouter: config: classifier: thresholds must satisfy 0 < simple < medium < 100 (got %v, %v)",
			cl.SimpleThreshold, cl.MediumThreshold)
	}
	if cl.ConfidenceSpread <= 0 {
		return fmt.Errorf("graderouter: config: classifier: confidence_spread must be positive")
	}

	if c.Batching.IsolationPenalty < 0 || c.Batching.SpreadPenalty < 0 {
		return fmt.Errorf("graderouter: config: batching: penalties must not be negative")
	}

	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("graderouter: config: breaker: failure_threshold must be at least 1")
	}
	if c.Breaker.Window <= 0 || c.Breaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("graderouter: config: breaker: window and recovery_timeout must be positive")
	}

	fb := c.Fallback
	if fb.QualityThreshold <= 0 || fb.QualityThreshold > 1 {
		return fmt.Errorf("graderouter: config: fallback: quality_threshold must be in (0, 1]")
	}
	if fb.VeryLowQuality < 0 || fb.VeryLowQuality > fb.QualityThreshold {
		return fmt.Errorf("graderouter: config: fallback: very_low_quality must be in [0, quality_threshold]")
	}
	if fb.MaxAttempts < 1 {
		return fmt.Errorf("graderouter: config: fallback: max_attempts must be at least 1")
	}
	if fb.MinItemConfidence < 0 || fb.MinItemConfidence > 100 {
		return fmt.Errorf("graderouter: config: fallback: min_item_confidence must be in [0, 100]")
	}

	ca := c.Cache
	if ca.RawTTL <= 0 || ca.SkillTTL <= 0 {
		return fmt.Errorf("graderouter: config: cache: ttls must be positive")
	}
	if ca.Capacity < 1 {
		return fmt.Errorf("graderouter: config: cache: capacity must be at least 1")
	}
	if ca.EvictFraction < 0.2 || ca.EvictFraction > 0.3 {
		return fmt.Errorf("graderouter: config: cache: evict_fraction must be in [0.2, 0.3] (got %v)", ca.EvictFraction)
	}
	if ca.SweepInterval <= 0 {
		return fmt.Errorf("graderouter: config: cache: sweep_interval must be positive")
	}

	if c.RemoteStagger < 0 {
		return fmt.Errorf("graderouter: config: remote_stagger must not be negative")
	}

	return nil
}

func (tc TierConfig) validate(t Tier) error {
	if tc.MaxConcurrent < 1 {
		return fmt.Errorf("graderouter: config: tier %s: max_concurrent must be at least 1", t)
	}
	if tc.Timeout <= 0 {
		return fmt.Errorf("graderouter: config: tier %s: timeout must be positive", t)
	}
	switch tc.Discipline {
	case DisciplineAggressive, DisciplineConservative:
	default:
		return fmt.Errorf("graderouter: config: tier %s: invalid discipline %q", t, tc.Discipline)
	}
	for _, b := range []Bucket{BucketSimple, BucketMedium, BucketComplex} {
		n := tc.MaxBatch.For(b)
		if n < 1 {
			return fmt.Errorf("graderouter: config: tier %s: max_batch.%s must be at least 1", t, b)
		}
		if tc.Discipline == DisciplineConservative && n > MaxConservativeBatch {
			return fmt.Errorf("graderouter: config: tier %s: max_batch.%s is %d, conservative batches hold at most %d",
				t, b, n, MaxConservativeBatch)
		}
	}
	if tc.CostPerCall < 0 || tc.CostPerToken < 0 {
		return fmt.Errorf("graderouter: config: tier %s: costs must not be negative", t)
	}
	return nil
}
