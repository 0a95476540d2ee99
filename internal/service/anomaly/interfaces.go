package anomaly

import (
	"context"
	"time"
)

// Service defines the anomaly detection service interface
type Service interface {
	// DetectAnomalies scores an event against its entity baseline and
	// records it for future detections
	DetectAnomalies(ctx context.Context, event Event) (*AnomalyScore, error)
	// GetAnomalyStats returns aggregate detection statistics
	GetAnomalyStats(ctx context.Context) (*AnomalyStats, error)
	// LoadState restores baselines, model state and stats from durable storage
	LoadState(ctx context.Context) error
	// FlushState writes all in-memory state to durable storage
	FlushState(ctx context.Context) error
}

// BaselineStore maintains per-key time-windowed feature history
type BaselineStore interface {
	// Append adds a vector, rejecting one whose dimension differs
	Append(ctx context.Context, key string, vector FeatureVector) error
	// Prune drops vectors older than cutoff and returns how many were removed
	Prune(ctx context.Context, key string, cutoff time.Time) (int, error)
	// Get returns an immutable snapshot; never nil
	Get(key string) *Snapshot
	// Persist writes the baseline to durable storage
	Persist(ctx context.Context, key string) error
	// Load replaces the in-memory baseline with the durable copy
	Load(ctx context.Context, key string) error
	// LoadAll loads every persisted baseline and returns the count
	LoadAll(ctx context.Context) (int, error)
	// Keys lists in-memory baseline keys in sorted order
	Keys() []string
	// Count returns the number of in-memory baselines
	Count() int
}

// KVStore is the durable key-value store used for persistence.
// Get returns cache.ErrCacheKeyNotFound for a missing key.
type KVStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// MetricsSink receives detection telemetry
type MetricsSink interface {
	RecordLatency(ctx context.Context, name string, ms float64)
	RecordError(ctx context.Context, name, message string)
	IncrementCounter(ctx context.Context, name string, labels map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, labels map[string]string)
	SetGauge(ctx context.Context, name string, value float64, labels map[string]string)
}

// Rand is the randomness source for sampling; implementations must be safe
// for concurrent use
type Rand interface {
	IntN(n int) int
	Float64() float64
}
