package graderouter

import (
	"log/slog"
	"time"
)

type options struct {
	local        LocalBackend
	remote       map[Tier]RemoteBackend
	meter        Meter
	store        CacheStore
	logger       *slog.Logger
	clock        func() time.Time
	breakerClock func() time.Time
}

// Option configures a Router or Dispatcher.
type Option func(*options)

// WithLocalBackend sets the backend of the local tier.
func WithLocalBackend(b LocalBackend) Option {
	return func(o *options) { o.local = b }
}

// WithRemoteBackend sets the backend of a remote tier.
func WithRemoteBackend(t Tier, b RemoteBackend) Option {
	return func(o *options) {
		if o.remote == nil {
			o.remote = make(map[Tier]RemoteBackend)
		}
		o.remote[t] = b
	}
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(o *options) { o.meter = m }
}

// WithCacheStore sets the external response cache store.
func WithCacheStore(s CacheStore) Option {
	return func(o *options) { o.store = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides the clock used for cache timestamps and breakers.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.clock = now
		o.breakerClock = now
	}
}

func buildOptions(opts []Option) options {
	o := options{
		meter:        noopMeter{},
		logger:       slog.Default(),
		clock:        time.Now,
		breakerClock: time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
