package mock

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ineyio/graderouter"
)

// Backend is a mock grading backend for testing. It serves as both a local
// and a remote backend.
type Backend struct {
	name         string
	latency      time.Duration
	confidence   float64
	staticErr    error
	failFirst    int
	failErr      error
	responseFunc func(items []graderouter.GradingRequest, hint string) ([]graderouter.Result, error)

	callCount atomic.Int64
	inFlight  atomic.Int64
	peak      atomic.Int64

	mu        sync.Mutex
	itemCalls map[itemKey]int
	hints     []string
}

type itemKey struct {
	group string
	index int
}

var (
	_ graderouter.LocalBackend  = (*Local)(nil)
	_ graderouter.RemoteBackend = (*Backend)(nil)
)

// Option configures a mock Backend.
type Option func(*Backend)

// New creates a mock backend with the given options.
func New(opts ...Option) *Backend {
	b := &Backend{
		name:       "mock",
		confidence: 90,
		itemCalls:  make(map[itemKey]int),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// WithName sets the backend name.
func WithName(name string) Option {
	return func(b *Backend) { b.name = name }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(b *Backend) { b.latency = d }
}

// WithConfidence sets the confidence of default results.
func WithConfidence(c float64) Option {
	return func(b *Backend) { b.confidence = c }
}

// WithError makes the backend always return this error.
func WithError(err error) Option {
	return func(b *Backend) { b.staticErr = err }
}

// WithFailFirst makes the first n calls return err.
func WithFailFirst(n int, err error) Option {
	return func(b *Backend) {
		b.failFirst = n
		b.failErr = err
	}
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func(items []graderouter.GradingRequest, hint string) ([]graderouter.Result, error)) Option {
	return func(b *Backend) { b.responseFunc = fn }
}

func (b *Backend) Name() string { return b.name }

// Score implements graderouter.RemoteBackend.
func (b *Backend) Score(ctx context.Context, items []graderouter.GradingRequest, hint string) ([]graderouter.Result, error) {
	n := b.inFlight.Add(1)
	defer b.inFlight.Add(-1)
	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			break
		}
	}

	b.mu.Lock()
	for _, it := range items {
		b.itemCalls[itemKey{it.GroupID, it.ItemIndex}]++
	}
	b.hints = append(b.hints, hint)
	b.mu.Unlock()

	if b.latency > 0 {
		select {
		case <-time.After(b.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	count := b.callCount.Add(1)

	if b.staticErr != nil {
		return nil, b.staticErr
	}

	if b.failFirst > 0 && int(count) <= b.failFirst {
		return nil, b.failErr
	}

	if b.responseFunc != nil {
		return b.responseFunc(items, hint)
	}

	out := make([]graderouter.Result, len(items))
	for i, it := range items {
		out[i] = Grade(it, b.confidence)
	}
	return out, nil
}

// Local returns a view of b that satisfies graderouter.LocalBackend.
func (b *Backend) Local() *Local { return &Local{b: b} }

// Local adapts a Backend to graderouter.LocalBackend. Calls are recorded on
// the underlying Backend with an empty hint.
type Local struct {
	b *Backend
}

func (l *Local) Name() string { return l.b.name }

func (l *Local) Score(ctx context.Context, items []graderouter.GradingRequest) ([]graderouter.Result, error) {
	return l.b.Score(ctx, items, "")
}

// CallCount returns the number of calls made to the backend.
func (b *Backend) CallCount() int64 { return b.callCount.Load() }

// MaxConcurrent returns the highest number of calls observed in flight at once.
func (b *Backend) MaxConcurrent() int64 { return b.peak.Load() }

// ItemCalls returns how many calls included the given item.
func (b *Backend) ItemCalls(groupID string, itemIndex int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.itemCalls[itemKey{groupID, itemIndex}]
}

// Hints returns the tier hints received, in call order.
func (b *Backend) Hints() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.hints...)
}

// Grade returns full marks when the normalized candidate answer equals the
// reference answer and zero otherwise.
func Grade(it graderouter.GradingRequest, confidence float64) graderouter.Result {
	score := 0.0
	feedback := "incorrect"
	if norm(it.CandidateAnswer) == norm(it.ReferenceAnswer) {
		score = it.MaxPoints
		feedback = "correct"
	}
	return graderouter.Result{
		GroupID:    it.GroupID,
		ItemIndex:  it.ItemIndex,
		Score:      score,
		MaxScore:   it.MaxPoints,
		Confidence: confidence,
		Feedback:   feedback,
	}
}

func norm(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
