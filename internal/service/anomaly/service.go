package anomaly

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gonum.org/v1/gonum/stat"

	"github.com/davidleathers/behavioral-anomaly-engine/internal/domain/errors"
	"github.com/davidleathers/behavioral-anomaly-engine/internal/infrastructure/config"
	"github.com/davidleathers/behavioral-anomaly-engine/internal/infrastructure/telemetry"
	"github.com/davidleathers/behavioral-anomaly-engine/internal/metrics"
)

// service implements the Service interface
type service struct {
	cfg       config.AnomalyConfig
	extractor *FeatureExtractor
	store     BaselineStore
	engine    *ScoringEngine
	combiner  ScoreCombiner
	state     *ModelStateHolder
	stats     *statsTracker
	kv        KVStore

	// globalPersist throttles writes of the shared global baseline
	globalPersist *rate.Limiter

	metrics MetricsSink
	logger  *zap.Logger
	tracer  trace.Tracer
	rng     Rand
	now     func() time.Time
}

// Option customizes a service
type Option func(*service)

// WithMetrics sets the metrics sink
func WithMetrics(m MetricsSink) Option {
	return func(s *service) { s.metrics = m }
}

// WithTracer sets the tracer used for detection spans
func WithTracer(t trace.Tracer) Option {
	return func(s *service) { s.tracer = t }
}

// WithRand overrides the seeded generator built from configuration
func WithRand(r Rand) Option {
	return func(s *service) { s.rng = r }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

// WithModelState shares a holder with a Recalibrator
func WithModelState(h *ModelStateHolder) Option {
	return func(s *service) { s.state = h }
}

// NewService creates a new anomaly detection service. kv backs model state and
// stats persistence and may be nil; baselines persist through store.
func NewService(cfg config.AnomalyConfig, store BaselineStore, kv KVStore, logger *zap.Logger, opts ...Option) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.NewConfigurationError(errors.CodeInvalidConfig, "invalid anomaly configuration").WithCause(err)
	}
	if store == nil {
		return nil, errors.NewConfigurationError(errors.CodeInvalidConfig, "baseline store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &service{
		cfg:       cfg,
		extractor: NewFeatureExtractor(cfg.Features),
		store:     store,
		combiner:  NewScoreCombiner(cfg.Weights, cfg.Thresholds),
		kv:        kv,
		metrics:   metrics.Noop{},
		logger:    logger,
		tracer:    otel.Tracer("anomaly"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.metrics == nil {
		s.metrics = metrics.Noop{}
	}
	if s.rng == nil {
		s.rng = NewRand(cfg.RandomSeed)
	}
	if s.state == nil {
		s.state = NewModelStateHolder(DefaultModelState(cfg.Isolation))
	}
	s.engine = NewScoringEngine(cfg.Learning.MinDataPoints, s.rng)
	s.stats = newStatsTracker(kv, cfg.StatsFlushInterval, cfg.RecentAnomalyLimit, logger)

	globalLimit := rate.Inf
	if cfg.GlobalPersistInterval > 0 {
		globalLimit = rate.Every(cfg.GlobalPersistInterval)
	}
	s.globalPersist = rate.NewLimiter(globalLimit, 1)

	return s, nil
}

// DetectAnomalies scores event against its entity baseline
func (s *service) DetectAnomalies(ctx context.Context, event Event) (*AnomalyScore, error) {
	if !s.cfg.Enabled {
		return nil, errors.NewConfigurationError(errors.CodeServiceDisabled, "anomaly detection is disabled")
	}

	start := s.now()
	ctx, span := s.tracer.Start(ctx, "anomaly.DetectAnomalies",
		trace.WithAttributes(attribute.String("entity_id", event.EntityID)))
	defer span.End()
	logger := telemetry.WithTrace(ctx, s.logger).With(zap.String("entity_id", event.EntityID))

	if event.EntityID == "" {
		return nil, s.fail(ctx, span, errors.NewValidationError("MISSING_ENTITY", "event entity id is required"))
	}
	if event.Timestamp.IsZero() || event.Timestamp.After(start) {
		event.Timestamp = start
	}

	vector, err := s.extractor.Extract(event)
	if err != nil {
		return nil, s.fail(ctx, span, err)
	}

	snap := s.baselineFor(event.EntityID)
	state := s.state.Load()

	result, err := s.engine.Score(snap, vector, state)
	if err != nil {
		if !stderrors.Is(err, errors.ErrDimensionMismatch) {
			return nil, s.fail(ctx, span, err)
		}
		logger.Warn("feature dimension changed, skipping scoring", zap.Error(err))
		s.metrics.IncrementCounter(ctx, metricDimensionMismatch, nil)
		result = &scoreResult{}
	}

	value, confidence := s.combiner.Combine(result.raw)
	score := &AnomalyScore{
		ID:                   uuid.NewString(),
		EntityID:             event.EntityID,
		Timestamp:            event.Timestamp,
		Value:                value,
		Confidence:           confidence,
		IsAnomaly:            s.combiner.IsAnomaly(value),
		ContributingFeatures: s.combiner.Contributing(vector.Labels, result),
		TriggeredMethods:     s.combiner.Triggered(result.raw),
		RawScores:            result.raw,
		BaselineKey:          snap.Key,
		BaselineSummary:      summarize(snap, start, s.cfg.Windows),
	}

	s.updateBaselines(ctx, logger, event.EntityID, vector)

	s.stats.record(score)
	s.persist(ctx, logger, "stats", s.stats.maybeFlush)

	s.recordMetrics(ctx, score, start)
	span.SetAttributes(
		attribute.Float64("anomaly.value", score.Value),
		attribute.Bool("anomaly.is_anomaly", score.IsAnomaly),
		attribute.String("anomaly.baseline_key", score.BaselineKey),
	)
	if score.IsAnomaly {
		logger.Info("anomaly detected",
			zap.Float64("value", score.Value),
			zap.Float64("confidence", score.Confidence),
			zap.Strings("features", score.ContributingFeatures))
	}

	return score, nil
}

// GetAnomalyStats returns the in-memory rollup
func (s *service) GetAnomalyStats(ctx context.Context) (*AnomalyStats, error) {
	return s.stats.snapshot(), nil
}

// LoadState restores persisted baselines, model state and stats. Each part
// is attempted; failures are joined.
func (s *service) LoadState(ctx context.Context) error {
	var errs []error

	loaded, err := s.store.LoadAll(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	cutoff := s.now().Add(-s.cfg.Windows.LongTerm())
	for _, key := range s.store.Keys() {
		if _, err := s.store.Prune(ctx, key, cutoff); err != nil {
			errs = append(errs, err)
		}
	}

	if s.kv != nil {
		state, err := loadModelState(ctx, s.kv)
		switch {
		case err != nil:
			errs = append(errs, err)
		case state != nil:
			s.state.Store(state)
		}
	}

	if err := s.stats.load(ctx); err != nil {
		errs = append(errs, err)
	}

	s.logger.Info("anomaly state loaded",
		zap.Int("baselines", loaded),
		zap.Int64("model_version", s.state.Load().Version))
	return stderrors.Join(errs...)
}

// FlushState persists every baseline, the model state and stats
func (s *service) FlushState(ctx context.Context) error {
	var errs []error

	for _, key := range s.store.Keys() {
		if err := s.store.Persist(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	if s.kv != nil {
		if err := saveModelState(ctx, s.kv, s.state.Load()); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.stats.flush(ctx); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return stderrors.Join(errs...)
	}
	s.logger.Info("anomaly state flushed", zap.Int("baselines", s.store.Count()))
	return nil
}

// baselineFor falls back to the global baseline when the entity's own is
// below minDataPoints and the global one is not
func (s *service) baselineFor(entityID string) *Snapshot {
	snap := s.store.Get(entityID)
	if entityID == GlobalBaselineKey || snap.Len() >= s.cfg.Learning.MinDataPoints {
		return snap
	}
	if global := s.store.Get(GlobalBaselineKey); global.Len() >= s.cfg.Learning.MinDataPoints {
		return global
	}
	return snap
}

// updateBaselines appends, prunes and persists. Nothing here fails the call.
func (s *service) updateBaselines(ctx context.Context, logger *zap.Logger, entityID string, vector FeatureVector) {
	keys := []string{entityID}
	if s.cfg.UpdateGlobalBaseline && entityID != GlobalBaselineKey {
		keys = append(keys, GlobalBaselineKey)
	}
	cutoff := s.now().Add(-s.cfg.Windows.LongTerm())

	for _, key := range keys {
		if err := s.store.Append(ctx, key, vector); err != nil {
			logger.Warn("baseline append rejected", zap.String("baseline_key", key), zap.Error(err))
			if stderrors.Is(err, errors.ErrDimensionMismatch) {
				s.metrics.IncrementCounter(ctx, metricDimensionMismatch, nil)
			}
			continue
		}
		if _, err := s.store.Prune(ctx, key, cutoff); err != nil {
			logger.Warn("baseline prune failed", zap.String("baseline_key", key), zap.Error(err))
		}
		// the global baseline is shared by every entity; FlushState writes
		// whatever the throttle skipped
		if key == GlobalBaselineKey && !s.globalPersist.AllowN(s.now(), 1) {
			continue
		}
		s.persist(ctx, logger, key, func(ctx context.Context) error {
			return s.store.Persist(ctx, key)
		})
	}
}

// persist runs fn with a bounded timeout detached from caller cancellation
func (s *service) persist(ctx context.Context, logger *zap.Logger, what string, fn func(context.Context) error) {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PersistTimeout)
	defer cancel()

	if err := fn(persistCtx); err != nil {
		logger.Warn("persistence failed, in-memory state kept",
			zap.String("target", what),
			zap.Bool("retryable", errors.IsRetryable(err)),
			zap.Error(err))
		s.metrics.RecordError(ctx, metricPersist, err.Error())
	}
}

func (s *service) recordMetrics(ctx context.Context, score *AnomalyScore, start time.Time) {
	s.metrics.RecordLatency(ctx, metricDetection, float64(s.now().Sub(start).Microseconds())/1000)
	s.metrics.ObserveHistogram(ctx, metricScore, score.Value, nil)
	s.metrics.IncrementCounter(ctx, metricDetections, map[string]string{
		"anomaly": strconv.FormatBool(score.IsAnomaly),
	})
	s.metrics.SetGauge(ctx, metricBaselines, float64(s.store.Count()), nil)
	s.metrics.SetGauge(ctx, metricGlobalVectors, float64(s.store.Get(GlobalBaselineKey).Len()), nil)
}

// fail records err and wraps it as a DetectionFailure
func (s *service) fail(ctx context.Context, span trace.Span, err error) error {
	telemetry.RecordError(span, err)
	s.metrics.RecordError(ctx, metricDetection, err.Error())
	telemetry.WithTrace(ctx, s.logger).Error("anomaly detection failed", zap.Error(err))
	return errors.NewDetectionError(fmt.Sprintf("anomaly detection failed: %v", err)).WithCause(err)
}

// summarize describes snap as seen at now
func summarize(snap *Snapshot, now time.Time, windows config.WindowConfig) BaselineSummary {
	sum := BaselineSummary{
		Key:      snap.Key,
		Count:    snap.Len(),
		Features: []FeatureStats{},
	}
	if snap.Len() == 0 {
		return sum
	}

	shortCutoff := now.Add(-windows.ShortTerm())
	mediumCutoff := now.Add(-windows.MediumTerm())
	sum.Start, sum.End = snap.Vectors[0].Timestamp, snap.Vectors[0].Timestamp
	for _, v := range snap.Vectors {
		if v.Timestamp.Before(sum.Start) {
			sum.Start = v.Timestamp
		}
		if v.Timestamp.After(sum.End) {
			sum.End = v.Timestamp
		}
		if !v.Timestamp.Before(shortCutoff) {
			sum.ShortTermCount++
		}
		if !v.Timestamp.Before(mediumCutoff) {
			sum.MediumTermCount++
		}
	}

	labels := snap.Vectors[0].Labels
	for i, col := range featureColumns(snap) {
		mean, std := stat.PopMeanStdDev(col, nil)
		med, mad := medianMAD(col)
		sum.Features = append(sum.Features, FeatureStats{
			Label:  labels[i],
			Mean:   mean,
			StdDev: std,
			Median: med,
			MAD:    mad,
		})
	}
	return sum
}
