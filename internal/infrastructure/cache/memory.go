package cache

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const memoryCleanupInterval = 5 * time.Minute

// memoryCache is a process-local Cache used by single-node deployments and
// tests
type memoryCache struct {
	items *gocache.Cache
}

// NewMemoryCache creates an empty in-process cache
func NewMemoryCache() Cache {
	return newMemoryCache(memoryCleanupInterval)
}

func newMemoryCache(cleanupInterval time.Duration) *memoryCache {
	return &memoryCache{
		items: gocache.New(gocache.NoExpiration, cleanupInterval),
	}
}

func (m *memoryCache) Get(ctx context.Context, key string) (string, error) {
	v, ok := m.items.Get(key)
	if !ok {
		return "", ErrCacheKeyNotFound{Key: key}
	}
	return v.(string), nil
}

func (m *memoryCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	m.items.Set(key, stringify(value), ttl)
	return nil
}

// Keys skips entries that have expired but not yet been cleaned up
func (m *memoryCache) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for k := range m.items.Items() {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *memoryCache) Close() error {
	return nil
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}
