package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	cache := newMemoryCache(time.Minute)

	require.NoError(t, cache.Set(ctx, BaselinePrefix+"b", []byte("2"), 0))
	require.NoError(t, cache.Set(ctx, BaselinePrefix+"a", "1", time.Hour))
	require.NoError(t, cache.Set(ctx, StatsKey, 42, 0))

	v, err := cache.Get(ctx, StatsKey)
	require.NoError(t, err)
	assert.Equal(t, "42", v)

	v, err = cache.Get(ctx, BaselinePrefix+"b")
	require.NoError(t, err)
	assert.Equal(t, "2", v)

	keys, err := cache.Keys(ctx, BaselinePrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{BaselinePrefix + "a", BaselinePrefix + "b"}, keys)

	_, err = cache.Get(ctx, "missing")
	var notFound ErrCacheKeyNotFound
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "missing", notFound.Key)

	require.NoError(t, cache.Close())
}

func TestMemoryCache_Expiry(t *testing.T) {
	ctx := context.Background()
	// cleanup never runs; expiry must be honoured on read
	cache := newMemoryCache(time.Hour)

	require.NoError(t, cache.Set(ctx, BaselinePrefix+"short", "x", 20*time.Millisecond))
	require.NoError(t, cache.Set(ctx, BaselinePrefix+"forever", "y", 0))

	assert.Eventually(t, func() bool {
		_, err := cache.Get(ctx, BaselinePrefix+"short")
		return err != nil
	}, time.Second, 5*time.Millisecond)

	keys, err := cache.Keys(ctx, BaselinePrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{BaselinePrefix + "forever"}, keys)
}

func TestMemoryCache_Overwrite(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()

	require.NoError(t, cache.Set(ctx, ModelStateKey, `{"version":1}`, 20*time.Millisecond))
	require.NoError(t, cache.Set(ctx, ModelStateKey, `{"version":2}`, 0))
	time.Sleep(40 * time.Millisecond)

	v, err := cache.Get(ctx, ModelStateKey)
	require.NoError(t, err)
	assert.Equal(t, `{"version":2}`, v, "overwrite replaces the ttl")
}
