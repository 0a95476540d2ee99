package anomaly

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/behavioral-anomaly-engine/internal/domain/errors"
	"github.com/davidleathers/behavioral-anomaly-engine/internal/infrastructure/cache"
)

// baselineEntry serializes mutation of one key. Readers load the snapshot
// pointer without taking mu.
type baselineEntry struct {
	mu   sync.Mutex
	snap atomic.Pointer[Snapshot]
}

// memoryBaselineStore keeps baselines in memory and mirrors them to an
// optional KVStore
type memoryBaselineStore struct {
	kv      KVStore
	ttl     time.Duration
	maxSize int
	logger  *zap.Logger

	mu      sync.RWMutex
	entries map[string]*baselineEntry
}

// NewBaselineStore creates an in-memory baseline store. kv may be nil, in
// which case Persist and Load are no-ops. ttl is applied to persisted keys;
// maxSize > 0 caps each baseline by dropping the oldest vectors.
func NewBaselineStore(kv KVStore, ttl time.Duration, maxSize int, logger *zap.Logger) BaselineStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &memoryBaselineStore{
		kv:      kv,
		ttl:     ttl,
		maxSize: maxSize,
		logger:  logger,
		entries: make(map[string]*baselineEntry),
	}
}

func (s *memoryBaselineStore) entry(key string) *baselineEntry {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e
	}
	e = &baselineEntry{}
	e.snap.Store(&Snapshot{Key: key})
	s.entries[key] = e
	return e
}

func (s *memoryBaselineStore) Append(ctx context.Context, key string, vector FeatureVector) error {
	if len(vector.Features) != len(vector.Labels) {
		return errors.NewValidationError("INVALID_VECTOR",
			fmt.Sprintf("vector has %d features and %d labels", len(vector.Features), len(vector.Labels)))
	}

	e := s.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.snap.Load()
	if cur.Len() > 0 && cur.Dim() != vector.Dim() {
		return errors.NewDimensionMismatchError(key, cur.Dim(), vector.Dim())
	}

	start := 0
	if s.maxSize > 0 && cur.Len()+1 > s.maxSize {
		start = cur.Len() + 1 - s.maxSize
	}

	vectors := make([]FeatureVector, 0, cur.Len()-start+1)
	vectors = append(vectors, cur.Vectors[start:]...)
	vectors = append(vectors, cloneVector(vector))

	e.snap.Store(&Snapshot{Key: key, Vectors: vectors})
	return nil
}

func (s *memoryBaselineStore) Prune(ctx context.Context, key string, cutoff time.Time) (int, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return 0, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.snap.Load()
	kept := make([]FeatureVector, 0, cur.Len())
	for _, v := range cur.Vectors {
		if !v.Timestamp.Before(cutoff) {
			kept = append(kept, v)
		}
	}

	removed := cur.Len() - len(kept)
	if removed > 0 {
		e.snap.Store(&Snapshot{Key: key, Vectors: kept})
	}
	return removed, nil
}

func (s *memoryBaselineStore) Get(key string) *Snapshot {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return &Snapshot{Key: key}
	}
	return e.snap.Load()
}

// Persist writes under the key lock so the last write always carries the
// newest state
func (s *memoryBaselineStore) Persist(ctx context.Context, key string) error {
	if s.kv == nil {
		return nil
	}

	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	vectors := e.snap.Load().Vectors
	if vectors == nil {
		vectors = []FeatureVector{}
	}
	data, err := json.Marshal(vectors)
	if err != nil {
		return errors.NewPersistenceError("failed to encode baseline").WithCause(err)
	}

	if err := s.kv.Set(ctx, cache.BaselinePrefix+key, data, s.ttl); err != nil {
		return errors.NewPersistenceError(fmt.Sprintf("failed to persist baseline %q", key)).WithCause(err)
	}
	return nil
}

// Load replaces the in-memory baseline with the persisted one. A missing key
// leaves memory untouched. Vectors that disagree with the first vector's
// dimension are dropped.
func (s *memoryBaselineStore) Load(ctx context.Context, key string) error {
	if s.kv == nil {
		return nil
	}

	data, err := s.kv.Get(ctx, cache.BaselinePrefix+key)
	if err != nil {
		var notFound cache.ErrCacheKeyNotFound
		if stderrors.As(err, &notFound) {
			return nil
		}
		return errors.NewPersistenceError(fmt.Sprintf("failed to read baseline %q", key)).WithCause(err)
	}

	var vectors []FeatureVector
	if err := json.Unmarshal([]byte(data), &vectors); err != nil {
		return errors.NewPersistenceError(fmt.Sprintf("failed to decode baseline %q", key)).WithCause(err)
	}

	kept := make([]FeatureVector, 0, len(vectors))
	dropped := 0
	for _, v := range vectors {
		if len(v.Features) != len(v.Labels) || (len(kept) > 0 && v.Dim() != kept[0].Dim()) {
			dropped++
			continue
		}
		kept = append(kept, v)
	}
	if dropped > 0 {
		s.logger.Warn("dropped malformed baseline vectors",
			zap.String("baseline_key", key),
			zap.Int("dropped", dropped))
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Timestamp.Before(kept[j].Timestamp)
	})
	if s.maxSize > 0 && len(kept) > s.maxSize {
		kept = kept[len(kept)-s.maxSize:]
	}

	e := s.entry(key)
	e.mu.Lock()
	e.snap.Store(&Snapshot{Key: key, Vectors: kept})
	e.mu.Unlock()
	return nil
}

func (s *memoryBaselineStore) LoadAll(ctx context.Context) (int, error) {
	if s.kv == nil {
		return 0, nil
	}

	keys, err := s.kv.Keys(ctx, cache.BaselinePrefix)
	if err != nil {
		return 0, errors.NewPersistenceError("failed to list baselines").WithCause(err)
	}

	var (
		loaded int
		errs   []error
	)
	for _, k := range keys {
		key := strings.TrimPrefix(k, cache.BaselinePrefix)
		if err := s.Load(ctx, key); err != nil {
			s.logger.Error("failed to load baseline", zap.String("baseline_key", key), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		loaded++
	}

	return loaded, stderrors.Join(errs...)
}

func (s *memoryBaselineStore) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

func (s *memoryBaselineStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func cloneVector(v FeatureVector) FeatureVector {
	return FeatureVector{
		Timestamp: v.Timestamp,
		Features:  append([]float64(nil), v.Features...),
		Labels:    append([]string(nil), v.Labels...),
	}
}
