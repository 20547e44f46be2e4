package meter

import (
	"log/slog"

	"github.com/ineyio/graderouter"
)

// LogMeter logs pipeline events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ graderouter.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) Record(e graderouter.Event) {
	switch e.Kind {
	case graderouter.EventBatchCompleted:
		if e.Err != nil {
			m.Logger.Warn("batch_error",
				"batch", e.BatchID,
				"group", e.GroupID,
				"tier", e.Tier.String(),
				"items", e.Items,
				"attempt", e.Attempt,
				"duration_ms", e.Duration.Milliseconds(),
				"error", e.Err,
			)
			return
		}
		m.Logger.Info("batch",
			"batch", e.BatchID,
			"group", e.GroupID,
			"tier", e.Tier.String(),
			"items", e.Items,
			"attempt", e.Attempt,
			"duration_ms", e.Duration.Milliseconds(),
			"cost", e.Cost,
		)
	case graderouter.EventFallbackTriggered:
		m.Logger.Info("fallback",
			"batch", e.BatchID,
			"tier", e.Tier.String(),
			"strategy", string(e.Strategy),
			"quality", e.Quality,
			"attempt", e.Attempt,
			"items", e.Items,
		)
	case graderouter.EventBreakerTripped:
		m.Logger.Warn("breaker_tripped",
			"tier", e.Tier.String(),
			"error", e.Err,
		)
	case graderouter.EventCacheHit, graderouter.EventCacheMiss:
		m.Logger.Debug(string(e.Kind),
			"group", e.GroupID,
			"items", e.Items,
		)
	default:
		m.Logger.Info(string(e.Kind), "tier", e.Tier.String())
	}
}
