package anomaly

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/behavioral-anomaly-engine/internal/domain/errors"
	"github.com/davidleathers/behavioral-anomaly-engine/internal/infrastructure/cache"
	"github.com/davidleathers/behavioral-anomaly-engine/internal/infrastructure/config"
)

type serviceFixture struct {
	svc     Service
	store   BaselineStore
	clock   *fakeClock
	metrics *mockMetrics
}

func newServiceFixture(t *testing.T, cfg config.AnomalyConfig, kv KVStore, opts ...Option) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		store:   NewBaselineStore(kv, cfg.Windows.LongTerm(), cfg.MaxBaselineSize, zaptest.NewLogger(t)),
		clock:   newFakeClock(),
		metrics: (&mockMetrics{}).permissive(),
	}
	opts = append([]Option{WithClock(f.clock.Now), WithMetrics(f.metrics)}, opts...)

	svc, err := NewService(cfg, f.store, kv, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	f.svc = svc
	return f
}

// warmup feeds n ordinary events spread over the previous n minutes
func (f *serviceFixture) warmup(t *testing.T, entity string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ts := testNow.Add(-time.Duration(n-i) * time.Minute)
		_, err := f.svc.DetectAnomalies(context.Background(), systemEvent(entity, ts,
			40+float64(i%7), 60+float64(i%5), 1000+float64(i%11)*10, float64(i%3)))
		require.NoError(t, err)
	}
}

func TestNewService_Validation(t *testing.T) {
	store := NewBaselineStore(nil, 0, 0, nil)

	bad := testConfig()
	bad.Weights.ZScore = -1
	_, err := NewService(bad, store, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfiguration))

	_, err = NewService(testConfig(), nil, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfiguration))

	svc, err := NewService(testConfig(), store, nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, svc)
}

func TestDetectAnomalies_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	f := newServiceFixture(t, cfg, nil)

	score, err := f.svc.DetectAnomalies(context.Background(), systemEvent("alice", testNow, 1, 1, 1, 1))
	assert.Nil(t, score)
	assert.ErrorIs(t, err, errors.ErrServiceDisabled)
	assert.Zero(t, f.store.Count(), "disabled service must not touch baselines")
}

func TestDetectAnomalies_Failures(t *testing.T) {
	tests := []struct {
		name  string
		event Event
	}{
		{"missing entity", systemEvent("", testNow, 1, 1, 1, 1)},
		{"non-finite field", systemEvent("alice", testNow, math.Inf(1), 1, 1, 1)},
		{"unsupported field type", Event{
			EntityID:  "alice",
			Timestamp: testNow,
			Fields:    map[string]interface{}{"cpu_usage": []int{1}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture(t, testConfig(), nil)

			score, err := f.svc.DetectAnomalies(context.Background(), tt.event)
			assert.Nil(t, score)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrDetection)
			assert.True(t, errors.IsType(err, errors.ErrorTypeDetection))

			f.metrics.AssertCalled(t, "RecordError", mock.Anything, metricDetection, mock.Anything)
			assert.Zero(t, f.store.Count())
		})
	}
}

// panickingRand fails the isolation scorer on first use
type panickingRand struct{}

func (panickingRand) IntN(int) int     { panic("rng exhausted") }
func (panickingRand) Float64() float64 { panic("rng exhausted") }

func TestDetectAnomalies_ScorerFailure(t *testing.T) {
	cfg := testConfig()
	f := newServiceFixture(t, cfg, nil, WithRand(panickingRand{}))

	// below minDataPoints no scorer runs, so warmup succeeds
	f.warmup(t, "alice", cfg.Learning.MinDataPoints)
	require.Equal(t, cfg.Learning.MinDataPoints, f.store.Get("alice").Len())

	score, err := f.svc.DetectAnomalies(context.Background(), systemEvent("alice", testNow, 50, 60, 1000, 0))
	assert.Nil(t, score)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDetection)
	assert.Contains(t, err.Error(), "isolation scorer panicked")

	f.metrics.AssertCalled(t, "RecordError", mock.Anything, metricDetection, mock.Anything)
	assert.Equal(t, cfg.Learning.MinDataPoints, f.store.Get("alice").Len(), "failed detection leaves the baseline untouched")
	assert.Equal(t, cfg.Learning.MinDataPoints, f.store.Get(GlobalBaselineKey).Len())

	stats, err := f.svc.GetAnomalyStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(cfg.Learning.MinDataPoints), stats.TotalDetections)
}

func TestDetectAnomalies_FirstEventHasEmptyBaseline(t *testing.T) {
	f := newServiceFixture(t, testConfig(), nil)

	score, err := f.svc.DetectAnomalies(context.Background(), systemEvent("alice", testNow, 50, 60, 1000, 0))
	require.NoError(t, err)

	assert.NotEmpty(t, score.ID)
	assert.Equal(t, "alice", score.EntityID)
	assert.Equal(t, 0.0, score.Value)
	assert.Equal(t, 0.0, score.Confidence)
	assert.False(t, score.IsAnomaly)
	assert.Empty(t, score.ContributingFeatures)
	assert.NotNil(t, score.TriggeredMethods)
	assert.Equal(t, 0, score.BaselineSummary.Count)

	second, err := f.svc.DetectAnomalies(context.Background(), systemEvent("alice", testNow, 50, 60, 1000, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, second.BaselineSummary.Count, "the first event joined the baseline")
	assert.NotEqual(t, score.ID, second.ID)

	assert.Equal(t, 2, f.store.Get("alice").Len())
	assert.Equal(t, 2, f.store.Get(GlobalBaselineKey).Len())
}

func TestDetectAnomalies_FlagsOutlier(t *testing.T) {
	f := newServiceFixture(t, testConfig(), nil)
	f.warmup(t, "alice", 40)

	normal, err := f.svc.DetectAnomalies(context.Background(), systemEvent("alice", testNow, 43, 62, 1050, 1))
	require.NoError(t, err)
	assert.False(t, normal.IsAnomaly)
	assert.Less(t, normal.Value, 3.0)

	outlier, err := f.svc.DetectAnomalies(context.Background(), systemEvent("alice", testNow, 1000, 62, 1050, 1))
	require.NoError(t, err)
	assert.True(t, outlier.IsAnomaly)
	assert.Greater(t, outlier.Value, normal.Value)
	assert.InDelta(t, 1.0, outlier.Confidence, 1e-9)
	assert.Contains(t, outlier.ContributingFeatures, "system.cpu_usage")
	assert.NotContains(t, outlier.ContributingFeatures, "system.memory_usage")
	assert.Contains(t, outlier.TriggeredMethods, MethodZScore)
	assert.Contains(t, outlier.TriggeredMethods, MethodMAD)
	assert.Equal(t, "alice", outlier.BaselineKey)

	require.Len(t, outlier.BaselineSummary.Features, 4)
	assert.Equal(t, "system.cpu_usage", outlier.BaselineSummary.Features[0].Label)

	f.metrics.AssertCalled(t, "IncrementCounter", mock.Anything, metricDetections, map[string]string{"anomaly": "true"})
	f.metrics.AssertCalled(t, "IncrementCounter", mock.Anything, metricDetections, map[string]string{"anomaly": "false"})
	f.metrics.AssertCalled(t, "ObserveHistogram", mock.Anything, metricScore, outlier.Value, mock.Anything)
	f.metrics.AssertCalled(t, "SetGauge", mock.Anything, metricBaselines, 2.0, mock.Anything)

	stats, err := f.svc.GetAnomalyStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), stats.TotalDetections)
	require.NotEmpty(t, stats.RecentAnomalies)
	last := stats.RecentAnomalies[len(stats.RecentAnomalies)-1]
	assert.Equal(t, outlier.ID, last.ID)
	assert.Greater(t, stats.FeatureImportance["system.cpu_usage"], 0.0)
}

func TestDetectAnomalies_GlobalFallback(t *testing.T) {
	f := newServiceFixture(t, testConfig(), nil)
	f.warmup(t, "alice", 10)

	score, err := f.svc.DetectAnomalies(context.Background(), systemEvent("bob", testNow, 45, 61, 1020, 0))
	require.NoError(t, err)
	assert.Equal(t, GlobalBaselineKey, score.BaselineKey)
	assert.Equal(t, 10, score.BaselineSummary.Count)

	own, err := f.svc.DetectAnomalies(context.Background(), systemEvent("alice", testNow, 45, 61, 1020, 0))
	require.NoError(t, err)
	assert.Equal(t, "alice", own.BaselineKey)
}

func TestDetectAnomalies_NoGlobalUpdates(t *testing.T) {
	cfg := testConfig()
	cfg.UpdateGlobalBaseline = false
	f := newServiceFixture(t, cfg, nil)
	f.warmup(t, "alice", 10)

	assert.Equal(t, 0, f.store.Get(GlobalBaselineKey).Len())

	score, err := f.svc.DetectAnomalies(context.Background(), systemEvent("bob", testNow, 45, 61, 1020, 0))
	require.NoError(t, err)
	assert.Equal(t, "bob", score.BaselineKey)
	assert.Equal(t, 0, score.BaselineSummary.Count)
}

func TestDetectAnomalies_GlobalEntityIsNotDoubleCounted(t *testing.T) {
	f := newServiceFixture(t, testConfig(), nil)

	_, err := f.svc.DetectAnomalies(context.Background(), systemEvent(GlobalBaselineKey, testNow, 1, 1, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, f.store.Get(GlobalBaselineKey).Len())
	assert.Equal(t, 1, f.store.Count())
}

func TestDetectAnomalies_DimensionMismatch(t *testing.T) {
	f := newServiceFixture(t, testConfig(), nil)
	require.NoError(t, f.store.Append(context.Background(), "alice", vec(testNow, 1, 2)))

	score, err := f.svc.DetectAnomalies(context.Background(), systemEvent("alice", testNow, 1000, 1000, 1000, 1000))
	require.NoError(t, err)
	assert.Equal(t, RawScores{}, score.RawScores)
	assert.False(t, score.IsAnomaly)

	f.metrics.AssertCalled(t, "IncrementCounter", mock.Anything, metricDimensionMismatch, mock.Anything)
	assert.Equal(t, 1, f.store.Get("alice").Len(), "mismatched vector is not appended")
	assert.Equal(t, 1, f.store.Get(GlobalBaselineKey).Len())
}

func TestDetectAnomalies_Timestamps(t *testing.T) {
	f := newServiceFixture(t, testConfig(), nil)
	ctx := context.Background()

	for _, ts := range []time.Time{
		testNow.Add(-2 * time.Hour),
		testNow.Add(-30 * time.Minute),
		testNow.Add(-5 * time.Minute),
	} {
		_, err := f.svc.DetectAnomalies(ctx, systemEvent("alice", ts, 1, 1, 1, 1))
		require.NoError(t, err)
	}

	score, err := f.svc.DetectAnomalies(ctx, systemEvent("alice", time.Time{}, 1, 1, 1, 1))
	require.NoError(t, err)
	assert.True(t, testNow.Equal(score.Timestamp), "zero timestamp defaults to now")

	summary := score.BaselineSummary
	assert.Equal(t, 3, summary.Count)
	assert.Equal(t, 1, summary.ShortTermCount)
	assert.Equal(t, 3, summary.MediumTermCount)
	assert.True(t, testNow.Add(-2*time.Hour).Equal(summary.Start))
	assert.True(t, testNow.Add(-5*time.Minute).Equal(summary.End))

	future, err := f.svc.DetectAnomalies(ctx, systemEvent("alice", testNow.Add(time.Hour), 1, 1, 1, 1))
	require.NoError(t, err)
	assert.True(t, testNow.Equal(future.Timestamp), "future timestamps are clamped")
}

func TestDetectAnomalies_PrunesOldVectors(t *testing.T) {
	f := newServiceFixture(t, testConfig(), nil)
	ctx := context.Background()

	_, err := f.svc.DetectAnomalies(ctx, systemEvent("alice", testNow, 1, 1, 1, 1))
	require.NoError(t, err)

	f.clock.Advance(31 * 24 * time.Hour)
	_, err = f.svc.DetectAnomalies(ctx, systemEvent("alice", f.clock.Now(), 2, 2, 2, 2))
	require.NoError(t, err)

	snap := f.store.Get("alice")
	require.Equal(t, 1, snap.Len())
	assert.Equal(t, []float64{2, 2, 2, 2}, snap.Vectors[0].Features)
}

func TestDetectAnomalies_PersistFailureDoesNotFail(t *testing.T) {
	f := newServiceFixture(t, testConfig(), failingKV{})

	score, err := f.svc.DetectAnomalies(context.Background(), systemEvent("alice", testNow, 1, 1, 1, 1))
	require.NoError(t, err)
	require.NotNil(t, score)

	f.metrics.AssertCalled(t, "RecordError", mock.Anything, metricPersist, mock.Anything)
	assert.Equal(t, 1, f.store.Get("alice").Len())
}

func TestDetectAnomalies_CancelledContextStillPersists(t *testing.T) {
	kv, mr := setupRedisKV(t)
	f := newServiceFixture(t, testConfig(), kv)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.DetectAnomalies(ctx, systemEvent("alice", testNow, 1, 1, 1, 1))
	require.NoError(t, err)
	assert.True(t, mr.Exists(cache.BaselinePrefix+"alice"))
	assert.True(t, mr.Exists(cache.BaselinePrefix+GlobalBaselineKey))
}

func TestDetectAnomalies_Spans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f := newServiceFixture(t, testConfig(), nil, WithTracer(tp.Tracer("test")))

	_, err := f.svc.DetectAnomalies(context.Background(), systemEvent("alice", testNow, 1, 1, 1, 1))
	require.NoError(t, err)
	_, err = f.svc.DetectAnomalies(context.Background(), systemEvent("", testNow, 1, 1, 1, 1))
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	ok := spans[0]
	assert.Equal(t, "anomaly.DetectAnomalies", ok.Name())
	assert.Contains(t, ok.Attributes(), attribute.String("entity_id", "alice"))
	assert.Contains(t, ok.Attributes(), attribute.Bool("anomaly.is_anomaly", false))
	assert.Contains(t, ok.Attributes(), attribute.String("anomaly.baseline_key", "alice"))
	assert.NotEqual(t, codes.Error, ok.Status().Code)

	failed := spans[1]
	assert.Equal(t, codes.Error, failed.Status().Code)
	assert.NotEmpty(t, failed.Events())
}

func TestDetectAnomalies_Concurrent(t *testing.T) {
	f := newServiceFixture(t, testConfig(), nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			entity := fmt.Sprintf("entity-%d", g)
			for i := 0; i < 25; i++ {
				_, err := f.svc.DetectAnomalies(ctx, systemEvent(entity, testNow, float64(i), float64(g), 1, 0))
				assert.NoError(t, err)
			}
		}(g)
	}
	wg.Wait()

	stats, err := f.svc.GetAnomalyStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(200), stats.TotalDetections)
	assert.Equal(t, 200, f.store.Get(GlobalBaselineKey).Len())
	assert.Equal(t, 9, f.store.Count())
}

func TestGetAnomalyStats_Empty(t *testing.T) {
	f := newServiceFixture(t, testConfig(), nil)

	stats, err := f.svc.GetAnomalyStats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.TotalDetections)
	assert.Zero(t, stats.AverageScore)
	assert.NotNil(t, stats.FeatureImportance)
	assert.NotNil(t, stats.RecentAnomalies)
}

func TestService_FlushAndLoadState(t *testing.T) {
	ctx := context.Background()
	kv, mr := setupRedisKV(t)

	holder := NewModelStateHolder(&ModelState{
		Version:   3,
		UpdatedAt: testNow,
		Isolation: IsolationParams{MaxDepth: 6, SubsampleSize: 50, Trials: 5},
		Epsilon:   DefaultEpsilon,
	})
	first := newServiceFixture(t, testConfig(), kv, WithModelState(holder))
	first.warmup(t, "alice", 8)
	require.NoError(t, first.svc.FlushState(ctx))

	assert.True(t, mr.Exists(cache.ModelStateKey))
	assert.True(t, mr.Exists(cache.StatsKey))

	restoredHolder := NewModelStateHolder(DefaultModelState(testConfig().Isolation))
	second := newServiceFixture(t, testConfig(), kv, WithModelState(restoredHolder))
	require.NoError(t, second.svc.LoadState(ctx))

	assert.Equal(t, 8, second.store.Get("alice").Len())
	assert.Equal(t, 8, second.store.Get(GlobalBaselineKey).Len())
	assert.Equal(t, int64(3), restoredHolder.Load().Version)
	assert.Equal(t, 6, restoredHolder.Load().Isolation.MaxDepth)

	stats, err := second.svc.GetAnomalyStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(8), stats.TotalDetections)

	score, err := second.svc.DetectAnomalies(ctx, systemEvent("alice", testNow, 43, 62, 1050, 1))
	require.NoError(t, err)
	assert.Equal(t, 8, score.BaselineSummary.Count)
}

func TestService_LoadStatePrunesExpired(t *testing.T) {
	ctx := context.Background()
	kv, _ := setupRedisKV(t)

	first := newServiceFixture(t, testConfig(), kv)
	first.warmup(t, "alice", 3)
	require.NoError(t, first.svc.FlushState(ctx))

	second := newServiceFixture(t, testConfig(), kv)
	second.clock.Advance(40 * 24 * time.Hour)
	require.NoError(t, second.svc.LoadState(ctx))
	assert.Equal(t, 0, second.store.Get("alice").Len())
}

func TestService_StateFailuresAreJoined(t *testing.T) {
	f := newServiceFixture(t, testConfig(), failingKV{})
	ctx := context.Background()

	_, err := f.svc.DetectAnomalies(ctx, systemEvent("alice", testNow, 1, 1, 1, 1))
	require.NoError(t, err)

	err = f.svc.FlushState(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrPersistence)
	assert.ErrorIs(t, err, errKVDown)

	err = f.svc.LoadState(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrPersistence)
	assert.Equal(t, 1, f.store.Get("alice").Len(), "memory survives a failed load")
}

func TestService_NilKVState(t *testing.T) {
	f := newServiceFixture(t, testConfig(), nil)
	ctx := context.Background()

	assert.NoError(t, f.svc.LoadState(ctx))
	_, err := f.svc.DetectAnomalies(ctx, systemEvent("alice", testNow, 1, 1, 1, 1))
	require.NoError(t, err)
	assert.NoError(t, f.svc.FlushState(ctx))
}

func persistedLen(t *testing.T, raw string) int {
	t.Helper()
	var vectors []FeatureVector
	require.NoError(t, json.Unmarshal([]byte(raw), &vectors))
	return len(vectors)
}

func TestDetectAnomalies_GlobalPersistIsThrottled(t *testing.T) {
	ctx := context.Background()
	kv, mr := setupRedisKV(t)

	cfg := testConfig()
	cfg.GlobalPersistInterval = time.Minute
	f := newServiceFixture(t, cfg, kv)

	for i := 0; i < 3; i++ {
		_, err := f.svc.DetectAnomalies(ctx, systemEvent("alice", testNow, float64(i), 1, 1, 1))
		require.NoError(t, err)
	}

	entity, err := mr.Get(cache.BaselinePrefix + "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, persistedLen(t, entity), "entity baselines persist on every detection")

	global, err := mr.Get(cache.BaselinePrefix + GlobalBaselineKey)
	require.NoError(t, err)
	assert.Equal(t, 1, persistedLen(t, global))
	assert.Equal(t, 3, f.store.Get(GlobalBaselineKey).Len())

	f.clock.Advance(time.Minute)
	_, err = f.svc.DetectAnomalies(ctx, systemEvent("bob", testNow, 1, 1, 1, 1))
	require.NoError(t, err)

	global, err = mr.Get(cache.BaselinePrefix + GlobalBaselineKey)
	require.NoError(t, err)
	assert.Equal(t, 4, persistedLen(t, global))

	_, err = f.svc.DetectAnomalies(ctx, systemEvent("bob", testNow, 2, 1, 1, 1))
	require.NoError(t, err)
	require.NoError(t, f.svc.FlushState(ctx))

	global, err = mr.Get(cache.BaselinePrefix + GlobalBaselineKey)
	require.NoError(t, err)
	assert.Equal(t, 5, persistedLen(t, global), "flush writes what the throttle skipped")
}

func TestDetectAnomalies_GlobalPersistUnthrottled(t *testing.T) {
	ctx := context.Background()
	kv, mr := setupRedisKV(t)

	cfg := testConfig()
	cfg.GlobalPersistInterval = 0
	f := newServiceFixture(t, cfg, kv)

	for i := 0; i < 3; i++ {
		_, err := f.svc.DetectAnomalies(ctx, systemEvent("alice", testNow, float64(i), 1, 1, 1))
		require.NoError(t, err)
	}

	global, err := mr.Get(cache.BaselinePrefix + GlobalBaselineKey)
	require.NoError(t, err)
	assert.Equal(t, 3, persistedLen(t, global))
}
