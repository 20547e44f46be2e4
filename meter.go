package graderouter

import (
	"sync"
	"sync/atomic"
	"time"
)

// Meter observes pipeline events for monitoring/logging.
// Record must be safe for concurrent use.
type Meter interface {
	Record(event Event)
}

// EventKind names a pipeline event.
type EventKind string

const (
	EventBatchCompleted    EventKind = "batch_completed"
	EventFallbackTriggered EventKind = "fallback_triggered"
	EventBreakerTripped    EventKind = "breaker_tripped"
	EventCacheHit          EventKind = "cache_hit"
	EventCacheMiss         EventKind = "cache_miss"
)

// Event describes one pipeline occurrence. Fields not relevant to Kind are zero.
type Event struct {
	Kind     EventKind
	GroupID  string
	BatchID  string
	Tier     Tier
	Items    int
	Attempt  int
	Duration time.Duration
	Quality  float64
	Strategy Strategy
	Cost     float64
	Err      error
}

type noopMeter struct{}

func (noopMeter) Record(Event) {}

// asyncMeter hands events to the wrapped meter on a single goroutine so
// Record never blocks. Events are dropped when the buffer is full.
type asyncMeter struct {
	next    Meter
	events  chan Event
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func newAsyncMeter(next Meter, buffer int) *asyncMeter {
	if buffer < 1 {
		buffer = 1
	}
	m := &asyncMeter{
		next:   next,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *asyncMeter) run() {
	defer close(m.done)
	for e := range m.events {
		m.next.Record(e)
	}
}

func (m *asyncMeter) Record(e Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		m.dropped.Add(1)
		return
	}
	select {
	case m.events <- e:
	default:
		m.dropped.Add(1)
	}
}

// Dropped returns the number of events lost to a full buffer or after Close.
func (m *asyncMeter) Dropped() int64 {
	return m.dropped.Load()
}

// Close flushes buffered events and stops the worker.
func (m *asyncMeter) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		<-m.done
		return
	}
	m.closed = true
	close(m.events)
	m.mu.Unlock()
	<-m.done
}
