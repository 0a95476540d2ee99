package database

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/behavioral-anomaly-engine/internal/metrics"
)

type gaugeSink struct {
	metrics.Noop
	mu     sync.Mutex
	gauges map[string]float64
}

func (s *gaugeSink) SetGauge(_ context.Context, name string, value float64, labels map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gauges == nil {
		s.gauges = make(map[string]float64)
	}
	s.gauges[name+"/"+labels["state"]] = value
}

func (s *gaugeSink) get(key string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.gauges[key]
	return v, ok
}

func TestConnectionStats_Utilization(t *testing.T) {
	tests := []struct {
		name  string
		stats ConnectionStats
		want  float64
	}{
		{"empty pool", ConnectionStats{}, 0},
		{"half used", ConnectionStats{AcquiredConnections: 5, MaxConnections: 10}, 0.5},
		{"full", ConnectionStats{AcquiredConnections: 4, MaxConnections: 4}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.stats.Utilization(), 1e-12)
		})
	}
}

func TestMonitor_Collect(t *testing.T) {
	sink := &gaugeSink{}
	stats := ConnectionStats{
		TotalConnections:    6,
		IdleConnections:     2,
		AcquiredConnections: 4,
		MaxConnections:      8,
		EmptyAcquireCount:   3,
	}
	m := NewMonitor(func() ConnectionStats { return stats }, sink, zaptest.NewLogger(t), nil)

	got := m.Collect(context.Background())
	assert.Equal(t, stats, got)

	for key, want := range map[string]float64{
		"database.connections/total":    6,
		"database.connections/idle":     2,
		"database.connections/acquired": 4,
		"database.pool.utilization/":    0.5,
		"database.pool.empty_acquires/": 3,
	} {
		v, ok := sink.get(key)
		assert.True(t, ok, key)
		assert.Equal(t, want, v, key)
	}
}

func TestMonitor_Defaults(t *testing.T) {
	m := NewMonitor(func() ConnectionStats { return ConnectionStats{} }, nil, nil, &MonitorConfig{})
	assert.Equal(t, 30*time.Second, m.config.Interval)
	assert.Equal(t, 0.8, m.config.UtilizationWarn)
	assert.NotPanics(t, func() { m.Collect(context.Background()) })
}

func TestMonitor_Start(t *testing.T) {
	sink := &gaugeSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewMonitor(func() ConnectionStats {
		return ConnectionStats{TotalConnections: 1, MaxConnections: 1}
	}, sink, zaptest.NewLogger(t), &MonitorConfig{Interval: 5 * time.Millisecond})
	m.Start(ctx)

	assert.Eventually(t, func() bool {
		v, ok := sink.get("database.connections/total")
		return ok && v == 1
	}, time.Second, 5*time.Millisecond)
}
