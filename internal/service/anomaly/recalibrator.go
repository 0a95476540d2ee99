package anomaly

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/behavioral-anomaly-engine/internal/infrastructure/config"
	"github.com/davidleathers/behavioral-anomaly-engine/internal/metrics"
)

// Recalibrator periodically retunes ModelState from baseline sizes. It runs
// off the request path and only ever writes to its ModelStateHolder.
type Recalibrator struct {
	store          BaselineStore
	state          *ModelStateHolder
	kv             KVStore
	metrics        MetricsSink
	logger         *zap.Logger
	minDataPoints  int
	interval       time.Duration
	persistTimeout time.Duration
	now            func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// RecalibratorConfig groups the recalibrator's tunables
type RecalibratorConfig struct {
	MinDataPoints  int
	Interval       time.Duration
	PersistTimeout time.Duration
}

// NewRecalibrator creates a stopped recalibrator. kv and metrics may be nil.
func NewRecalibrator(store BaselineStore, state *ModelStateHolder, kv KVStore, sink MetricsSink, logger *zap.Logger, cfg RecalibratorConfig) *Recalibrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = metrics.Noop{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = config.DefaultAnomalyConfig().Learning.UpdateFrequency()
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = config.DefaultAnomalyConfig().PersistTimeout
	}
	return &Recalibrator{
		store:          store,
		state:          state,
		kv:             kv,
		metrics:        sink,
		logger:         logger,
		minDataPoints:  cfg.MinDataPoints,
		interval:       cfg.Interval,
		persistTimeout: cfg.PersistTimeout,
		now:            time.Now,
	}
}

// Start launches the ticker loop. Calling Start on a running recalibrator is
// a no-op.
func (r *Recalibrator) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.loop(ctx, r.done)
	r.logger.Info("recalibrator started", zap.Duration("interval", r.interval))
}

// Stop cancels the loop and waits for it to exit
func (r *Recalibrator) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.logger.Info("recalibrator stopped")
}

func (r *Recalibrator) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Error("recalibration failed, skipping tick", zap.Error(err))
				r.metrics.RecordError(ctx, metricRecalibration, err.Error())
			}
		}
	}
}

// RunOnce performs a single recalibration. Panics are recovered and returned
// as errors.
func (r *Recalibrator) RunOnce(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("recalibration panicked: %v", p)
		}
	}()

	largest := 0
	for _, key := range r.store.Keys() {
		largest = max(largest, r.store.Get(key).Len())
	}
	if largest < r.minDataPoints || largest == 0 {
		return nil
	}

	depth := max(1, int(math.Ceil(math.Log2(float64(largest)))))
	current := r.state.Load()
	if current.Isolation.MaxDepth == depth {
		return nil
	}

	next := current.withMaxDepth(depth, r.now())
	r.state.Store(next)

	r.logger.Info("model state recalibrated",
		zap.Int64("version", next.Version),
		zap.Int("max_depth", depth),
		zap.Int("largest_baseline", largest))
	r.metrics.IncrementCounter(ctx, metricRecalibrations, nil)
	r.metrics.SetGauge(ctx, metricModelMaxDepth, float64(depth), nil)

	if r.kv != nil {
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.persistTimeout)
		defer cancel()
		if err := saveModelState(persistCtx, r.kv, next); err != nil {
			r.logger.Warn("failed to persist model state", zap.Error(err))
			r.metrics.RecordError(ctx, metricPersist, err.Error())
		}
	}
	return nil
}
