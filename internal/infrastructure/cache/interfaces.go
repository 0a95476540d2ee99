package cache

import (
	"context"
	"time"
)

// Cache provides a key-value interface with TTL support. It backs baseline,
// model state and stats persistence for the anomaly engine.
type Cache interface {
	// Get retrieves a value by key
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value with optional TTL; zero TTL means no expiry
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Keys lists every live key with the given prefix
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close closes the cache connection
	Close() error
}

// Key prefixes for consistent key naming
const (
	BaselinePrefix = "anomaly_baseline:"
	ModelStateKey  = "anomaly_model_state"
	StatsKey       = "anomaly_stats"
)

// ErrCacheKeyNotFound is returned when a cache key doesn't exist
type ErrCacheKeyNotFound struct {
	Key string
}

func (e ErrCacheKeyNotFound) Error() string {
	return "cache key not found: " + e.Key
}
