package anomaly

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/davidleathers/behavioral-anomaly-engine/internal/domain/errors"
	"github.com/davidleathers/behavioral-anomaly-engine/internal/infrastructure/cache"
)

// statsRollup is the persisted form of the tracker. It keeps sums rather than
// averages so a reload continues accumulating exactly.
type statsRollup struct {
	TotalDetections int64            `json:"totalDetections"`
	ScoreSum        float64          `json:"scoreSum"`
	FeatureHits     map[string]int64 `json:"featureHits"`
	RecentAnomalies []AnomalyRecord  `json:"recentAnomalies"`
}

// statsTracker aggregates detections and flushes them to the KV store at
// most once per flush interval
type statsTracker struct {
	kv      KVStore
	limiter *rate.Limiter
	logger  *zap.Logger
	limit   int

	mu     sync.Mutex
	rollup statsRollup
}

func newStatsTracker(kv KVStore, flushInterval time.Duration, recentLimit int, logger *zap.Logger) *statsTracker {
	limit := rate.Inf
	if flushInterval > 0 {
		limit = rate.Every(flushInterval)
	}
	return &statsTracker{
		kv:      kv,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
		limit:   recentLimit,
		rollup:  statsRollup{FeatureHits: make(map[string]int64)},
	}
}

func (t *statsTracker) record(score *AnomalyScore) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollup.TotalDetections++
	t.rollup.ScoreSum += score.Value
	for _, f := range score.ContributingFeatures {
		t.rollup.FeatureHits[f]++
	}

	if !score.IsAnomaly || t.limit <= 0 {
		return
	}
	t.rollup.RecentAnomalies = append(t.rollup.RecentAnomalies, AnomalyRecord{
		ID:                   score.ID,
		EntityID:             score.EntityID,
		Timestamp:            score.Timestamp,
		Value:                score.Value,
		Confidence:           score.Confidence,
		ContributingFeatures: append([]string(nil), score.ContributingFeatures...),
	})
	if over := len(t.rollup.RecentAnomalies) - t.limit; over > 0 {
		t.rollup.RecentAnomalies = append([]AnomalyRecord(nil), t.rollup.RecentAnomalies[over:]...)
	}
}

// snapshot never returns nil collections
func (t *statsTracker) snapshot() *AnomalyStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := &AnomalyStats{
		TotalDetections:   t.rollup.TotalDetections,
		FeatureImportance: make(map[string]float64, len(t.rollup.FeatureHits)),
		RecentAnomalies:   make([]AnomalyRecord, len(t.rollup.RecentAnomalies)),
	}
	copy(out.RecentAnomalies, t.rollup.RecentAnomalies)

	if t.rollup.TotalDetections > 0 {
		total := float64(t.rollup.TotalDetections)
		out.AverageScore = t.rollup.ScoreSum / total
		for f, hits := range t.rollup.FeatureHits {
			out.FeatureImportance[f] = float64(hits) / total
		}
	}
	return out
}

// maybeFlush writes the rollup when the limiter allows it
func (t *statsTracker) maybeFlush(ctx context.Context) error {
	if t.kv == nil || !t.limiter.Allow() {
		return nil
	}
	return t.flush(ctx)
}

func (t *statsTracker) flush(ctx context.Context) error {
	if t.kv == nil {
		return nil
	}

	t.mu.Lock()
	data, err := json.Marshal(t.rollup)
	t.mu.Unlock()
	if err != nil {
		return errors.NewPersistenceError("failed to encode stats").WithCause(err)
	}

	if err := t.kv.Set(ctx, cache.StatsKey, data, 0); err != nil {
		return errors.NewPersistenceError("failed to persist stats").WithCause(err)
	}
	return nil
}

// load replaces the in-memory rollup; a missing key is not an error
func (t *statsTracker) load(ctx context.Context) error {
	if t.kv == nil {
		return nil
	}

	data, err := t.kv.Get(ctx, cache.StatsKey)
	if err != nil {
		var notFound cache.ErrCacheKeyNotFound
		if stderrors.As(err, &notFound) {
			return nil
		}
		return errors.NewPersistenceError("failed to read stats").WithCause(err)
	}

	var rollup statsRollup
	if err := json.Unmarshal([]byte(data), &rollup); err != nil {
		return errors.NewPersistenceError("failed to decode stats").WithCause(err)
	}
	if rollup.FeatureHits == nil {
		rollup.FeatureHits = make(map[string]int64)
	}
	if t.limit > 0 && len(rollup.RecentAnomalies) > t.limit {
		rollup.RecentAnomalies = rollup.RecentAnomalies[len(rollup.RecentAnomalies)-t.limit:]
	}

	t.mu.Lock()
	t.rollup = rollup
	t.mu.Unlock()

	t.logger.Info("loaded anomaly stats", zap.Int64("total_detections", rollup.TotalDetections))
	return nil
}
