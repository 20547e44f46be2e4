package graderouter

import (
	"sync"
	"time"
)

// SpendTracker tracks per-tier dollar spend with daily reset.
type SpendTracker struct {
	mu       sync.Mutex
	tiers    map[Tier]*tierSpend
	resetDay int // day of year for last reset
	now      func() time.Time
}

type tierSpend struct {
	amount float64
	calls  int64
}

// NewSpendTracker creates a new SpendTracker.
func NewSpendTracker() *SpendTracker {
	return newSpendTracker(time.Now)
}

func newSpendTracker(now func() time.Time) *SpendTracker {
	return &SpendTracker{
		tiers:    make(map[Tier]*tierSpend),
		resetDay: now().UTC().YearDay(),
		now:      now,
	}
}

// RecordSpend records one backend call and its dollar cost for a tier.
func (s *SpendTracker) RecordSpend(t Tier, dollars float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkReset()

	ts, ok := s.tiers[t]
	if !ok {
		ts = &tierSpend{}
		s.tiers[t] = ts
	}
	ts.amount += dollars
	ts.calls++
}

// GetSpend returns the current daily spend for a tier.
func (s *SpendTracker) GetSpend(t Tier) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkReset()

	ts, ok := s.tiers[t]
	if !ok {
		return 0
	}
	return ts.amount
}

// Calls returns the number of calls recorded today for a tier.
func (s *SpendTracker) Calls(t Tier) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkReset()

	if ts, ok := s.tiers[t]; ok {
		return ts.calls
	}
	return 0
}

// Total returns today's spend across all tiers.
func (s *SpendTracker) Total() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkReset()

	var sum float64
	for _, ts := range s.tiers {
		sum += ts.amount
	}
	return sum
}

// checkReset resets all spend if day has changed. Must be called with lock held.
func (s *SpendTracker) checkReset() {
	today := s.now().UTC().YearDay()
	if today != s.resetDay {
		s.tiers = make(map[Tier]*tierSpend)
		s.resetDay = today
	}
}
