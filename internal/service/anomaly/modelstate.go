package anomaly

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/davidleathers/behavioral-anomaly-engine/internal/domain/errors"
	"github.com/davidleathers/behavioral-anomaly-engine/internal/infrastructure/cache"
	"github.com/davidleathers/behavioral-anomaly-engine/internal/infrastructure/config"
)

// DefaultModelState builds version 0 from configuration
func DefaultModelState(iso config.IsolationConfig) *ModelState {
	return &ModelState{
		Isolation: IsolationParams{
			MaxDepth:      iso.MaxDepth,
			SubsampleSize: iso.SubsampleSize,
			Trials:        iso.Trials,
		},
		Epsilon: DefaultEpsilon,
	}
}

// Validate rejects parameter sets the scorers cannot run with
func (m *ModelState) Validate() error {
	switch {
	case m.Isolation.MaxDepth < 1:
		return fmt.Errorf("isolation max depth must be at least 1, got %d", m.Isolation.MaxDepth)
	case m.Isolation.SubsampleSize < 2:
		return fmt.Errorf("isolation subsample size must be at least 2, got %d", m.Isolation.SubsampleSize)
	case m.Isolation.Trials < 1:
		return fmt.Errorf("isolation trials must be at least 1, got %d", m.Isolation.Trials)
	case m.Epsilon <= 0:
		return fmt.Errorf("epsilon must be positive, got %g", m.Epsilon)
	}
	return nil
}

// ModelStateHolder publishes ModelState values. Scorers Load one pointer per
// call so they never observe a mixed parameter set; the recalibrator is the
// only writer.
type ModelStateHolder struct {
	current atomic.Pointer[ModelState]
}

func NewModelStateHolder(initial *ModelState) *ModelStateHolder {
	h := &ModelStateHolder{}
	h.current.Store(initial)
	return h
}

func (h *ModelStateHolder) Load() *ModelState {
	return h.current.Load()
}

func (h *ModelStateHolder) Store(state *ModelState) {
	h.current.Store(state)
}

func saveModelState(ctx context.Context, kv KVStore, state *ModelState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return errors.NewPersistenceError("failed to encode model state").WithCause(err)
	}
	if err := kv.Set(ctx, cache.ModelStateKey, data, 0); err != nil {
		return errors.NewPersistenceError("failed to persist model state").WithCause(err)
	}
	return nil
}

// loadModelState returns nil, nil when nothing has been persisted
func loadModelState(ctx context.Context, kv KVStore) (*ModelState, error) {
	data, err := kv.Get(ctx, cache.ModelStateKey)
	if err != nil {
		var notFound cache.ErrCacheKeyNotFound
		if stderrors.As(err, &notFound) {
			return nil, nil
		}
		return nil, errors.NewPersistenceError("failed to read model state").WithCause(err)
	}

	var state ModelState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, errors.NewPersistenceError("failed to decode model state").WithCause(err)
	}
	if err := state.Validate(); err != nil {
		return nil, errors.NewPersistenceError("persisted model state is invalid").WithCause(err)
	}
	return &state, nil
}

// withMaxDepth returns the next version with a new isolation depth
func (m *ModelState) withMaxDepth(depth int, now time.Time) *ModelState {
	next := *m
	next.Version = m.Version + 1
	next.UpdatedAt = now
	next.Isolation.MaxDepth = depth
	return &next
}
