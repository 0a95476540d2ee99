package anomaly

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/behavioral-anomaly-engine/internal/infrastructure/cache"
	"github.com/davidleathers/behavioral-anomaly-engine/internal/infrastructure/config"
)

var testNow = time.Date(2024, 3, 12, 14, 30, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testNow}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func vec(ts time.Time, features ...float64) FeatureVector {
	labels := make([]string, len(features))
	for i := range labels {
		labels[i] = "f" + string(rune('0'+i))
	}
	return FeatureVector{Timestamp: ts, Features: features, Labels: labels}
}

func snapshotOf(vectors ...FeatureVector) *Snapshot {
	return &Snapshot{Key: "test", Vectors: vectors}
}

func setupRedisKV(t *testing.T) (cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	kv, err := cache.NewRedisCache(&config.RedisConfig{
		URL:         mr.Addr(),
		PoolSize:    2,
		DialTimeout: time.Second,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	return kv, mr
}

// testConfig is the default configuration with a small minDataPoints and
// only the system family enabled, so vectors are four numeric fields
func testConfig() config.AnomalyConfig {
	cfg := config.DefaultAnomalyConfig()
	cfg.Features = config.FeatureToggles{SystemMetrics: true}
	cfg.Learning.MinDataPoints = 5
	cfg.RandomSeed = 42
	cfg.StatsFlushInterval = 0
	return cfg
}

func systemEvent(entity string, ts time.Time, cpu, mem, net, errs float64) Event {
	return Event{
		EntityID:  entity,
		Timestamp: ts,
		Fields: map[string]interface{}{
			"cpu_usage":     cpu,
			"memory_usage":  mem,
			"network_bytes": net,
			"error_count":   errs,
		},
	}
}

var errKVDown = errors.New("kv unavailable")

// failingKV fails every call
type failingKV struct{}

func (failingKV) Get(context.Context, string) (string, error) { return "", errKVDown }
func (failingKV) Set(context.Context, string, interface{}, time.Duration) error {
	return errKVDown
}
func (failingKV) Keys(context.Context, string) ([]string, error) { return nil, errKVDown }

type mockMetrics struct {
	mock.Mock
}

func (m *mockMetrics) RecordLatency(ctx context.Context, name string, ms float64) {
	m.Called(ctx, name, ms)
}

func (m *mockMetrics) RecordError(ctx context.Context, name, message string) {
	m.Called(ctx, name, message)
}

func (m *mockMetrics) IncrementCounter(ctx context.Context, name string, labels map[string]string) {
	m.Called(ctx, name, labels)
}

func (m *mockMetrics) ObserveHistogram(ctx context.Context, name string, value float64, labels map[string]string) {
	m.Called(ctx, name, value, labels)
}

func (m *mockMetrics) SetGauge(ctx context.Context, name string, value float64, labels map[string]string) {
	m.Called(ctx, name, value, labels)
}

// permissive allows any call not otherwise expected
func (m *mockMetrics) permissive() *mockMetrics {
	m.On("RecordLatency", mock.Anything, mock.Anything, mock.Anything).Maybe()
	m.On("RecordError", mock.Anything, mock.Anything, mock.Anything).Maybe()
	m.On("IncrementCounter", mock.Anything, mock.Anything, mock.Anything).Maybe()
	m.On("ObserveHistogram", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Maybe()
	m.On("SetGauge", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Maybe()
	return m
}
