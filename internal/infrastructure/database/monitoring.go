package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/davidleathers/behavioral-anomaly-engine/internal/metrics"
)

// ConnectionStats represents connection pool statistics
type ConnectionStats struct {
	TotalConnections    int32
	IdleConnections     int32
	AcquiredConnections int32
	MaxConnections      int32
	EmptyAcquireCount   int64
}

// Utilization is the fraction of the pool in use
func (s ConnectionStats) Utilization() float64 {
	if s.MaxConnections <= 0 {
		return 0
	}
	return float64(s.AcquiredConnections) / float64(s.MaxConnections)
}

// PoolStats adapts a pgx pool to the monitor
func PoolStats(pool *pgxpool.Pool) func() ConnectionStats {
	return func() ConnectionStats {
		st := pool.Stat()
		return ConnectionStats{
			TotalConnections:    st.TotalConns(),
			IdleConnections:     st.IdleConns(),
			AcquiredConnections: st.AcquiredConns(),
			MaxConnections:      st.MaxConns(),
			EmptyAcquireCount:   st.EmptyAcquireCount(),
		}
	}
}

// MonitorConfig holds monitoring configuration
type MonitorConfig struct {
	Interval time.Duration
	// UtilizationWarn logs a warning when the pool is at least this full
	UtilizationWarn float64
}

// Monitor publishes pool gauges for the store backing anomaly state
type Monitor struct {
	stats  func() ConnectionStats
	sink   metrics.Sink
	logger *zap.Logger
	config MonitorConfig
}

// NewMonitor creates a new database monitor
func NewMonitor(stats func() ConnectionStats, sink metrics.Sink, logger *zap.Logger, config *MonitorConfig) *Monitor {
	cfg := MonitorConfig{Interval: 30 * time.Second, UtilizationWarn: 0.8}
	if config != nil {
		if config.Interval > 0 {
			cfg.Interval = config.Interval
		}
		if config.UtilizationWarn > 0 {
			cfg.UtilizationWarn = config.UtilizationWarn
		}
	}
	if sink == nil {
		sink = metrics.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Monitor{stats: stats, sink: sink, logger: logger, config: cfg}
}

// Collect samples the pool once
func (m *Monitor) Collect(ctx context.Context) ConnectionStats {
	st := m.stats()

	m.sink.SetGauge(ctx, "database.connections", float64(st.TotalConnections), map[string]string{"state": "total"})
	m.sink.SetGauge(ctx, "database.connections", float64(st.IdleConnections), map[string]string{"state": "idle"})
	m.sink.SetGauge(ctx, "database.connections", float64(st.AcquiredConnections), map[string]string{"state": "acquired"})
	m.sink.SetGauge(ctx, "database.pool.utilization", st.Utilization(), nil)
	m.sink.SetGauge(ctx, "database.pool.empty_acquires", float64(st.EmptyAcquireCount), nil)

	if st.Utilization() >= m.config.UtilizationWarn {
		m.logger.Warn("database pool nearly exhausted",
			zap.Int32("acquired", st.AcquiredConnections),
			zap.Int32("max", st.MaxConnections))
	}
	return st
}

// Start samples the pool every interval until ctx is done
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.config.Interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Collect(ctx)
			}
		}
	}()
}
