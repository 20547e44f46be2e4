package graderouter

import "context"

// LocalBackend scores items in-process or on a co-located inference server.
type LocalBackend interface {
	// Name returns the backend identifier used in results and events.
	Name() string

	// Score grades items and returns one result per item.
	Score(ctx context.Context, items []GradingRequest) ([]Result, error)
}

// RemoteBackend scores items through a paid, rate-limited API.
type RemoteBackend interface {
	Name() string

	// Score grades items. tierHint is "<tier>" on the first call and
	// "<tier>/retry-<n>" on fallback retries, so the backend can pick a
	// model and tighten its prompt.
	Score(ctx context.Context, items []GradingRequest, tierHint string) ([]Result, error)
}

// scorer unifies local and remote backends behind one call shape.
type scorer interface {
	Name() string
	score(ctx context.Context, items []GradingRequest, hint string) ([]Result, error)
}

type localScorer struct{ LocalBackend }

func (s localScorer) score(ctx context.Context, items []GradingRequest, _ string) ([]Result, error) {
	return s.Score(ctx, items)
}

type remoteScorer struct{ RemoteBackend }

func (s remoteScorer) score(ctx context.Context, items []GradingRequest, hint string) ([]Result, error) {
	return s.Score(ctx, items, hint)
}
