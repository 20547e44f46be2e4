package meter

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ineyio/graderouter"
)

// PromMeter exports pipeline events as Prometheus metrics.
type PromMeter struct {
	batches       *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
	batchItems    *prometheus.HistogramVec
	cost          *prometheus.CounterVec
	fallbacks     *prometheus.CounterVec
	quality       *prometheus.HistogramVec
	breakerTrips  *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
}

var _ graderouter.Meter = (*PromMeter)(nil)

// NewPromMeter creates a PromMeter and registers its collectors with reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewPromMeter(namespace string, reg prometheus.Registerer) (*PromMeter, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &PromMeter{
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Count of dispatched batches by tier and outcome.",
		}, []string{"tier", "outcome"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Backend call latency per batch.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"tier"}),
		batchItems: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_items",
			Help:      "Items per dispatched batch.",
			Buckets:   []float64{1, 2, 3, 4, 6, 8, 12, 16},
		}, []string{"tier"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_dollars_total",
			Help:      "Estimated backend spend.",
		}, []string{"tier"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Count of fallback rounds by strategy.",
		}, []string{"tier", "strategy"}),
		quality: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fallback_trigger_quality",
			Help:      "Batch quality observed when a fallback was triggered.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}, []string{"tier"}),
		breakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_trips_total",
			Help:      "Count of circuit breaker trips.",
		}, []string{"tier"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Response cache lookups by result.",
		}, []string{"result"}),
	}

	for _, c := range []prometheus.Collector{
		m.batches, m.batchDuration, m.batchItems, m.cost,
		m.fallbacks, m.quality, m.breakerTrips, m.cacheLookups,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PromMeter) Record(e graderouter.Event) {
	tier := e.Tier.String()
	switch e.Kind {
	case graderouter.EventBatchCompleted:
		outcome := "ok"
		if e.Err != nil {
			outcome = "error"
		}
		m.batches.WithLabelValues(tier, outcome).Inc()
		m.batchDuration.WithLabelValues(tier).Observe(e.Duration.Seconds())
		m.batchItems.WithLabelValues(tier).Observe(float64(e.Items))
		if e.Cost > 0 {
			m.cost.WithLabelValues(tier).Add(e.Cost)
		}
	case graderouter.EventFallbackTriggered:
		m.fallbacks.WithLabelValues(tier, string(e.Strategy)).Inc()
		m.quality.WithLabelValues(tier).Observe(e.Quality)
	case graderouter.EventBreakerTripped:
		m.breakerTrips.WithLabelValues(tier).Inc()
	case graderouter.EventCacheHit:
		m.cacheLookups.WithLabelValues("hit").Add(float64(max(e.Items, 1)))
	case graderouter.EventCacheMiss:
		m.cacheLookups.WithLabelValues("miss").Add(float64(max(e.Items, 1)))
	}
}
