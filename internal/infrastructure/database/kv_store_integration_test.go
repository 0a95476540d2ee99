package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/behavioral-anomaly-engine/internal/infrastructure/cache"
	"github.com/davidleathers/behavioral-anomaly-engine/internal/infrastructure/config"
	"github.com/davidleathers/behavioral-anomaly-engine/internal/testutil/containers"
)

func TestKVStore_Postgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	pg, err := containers.NewPostgresContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(context.Background()) })

	require.NoError(t, Migrate(pg.ConnectionString, logger))
	// A second run is a no-op
	require.NoError(t, Migrate(pg.ConnectionString, logger))

	pool, err := NewPool(ctx, &config.DatabaseConfig{URL: pg.ConnectionString, MaxConns: 4}, logger)
	require.NoError(t, err)

	store, err := NewKVStore(pool, pool.Close, logger)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Set(ctx, cache.BaselinePrefix+"alice", `[{"features":[1]}]`, time.Hour))
	require.NoError(t, store.Set(ctx, cache.BaselinePrefix+"bob", `[]`, time.Hour))
	require.NoError(t, store.Set(ctx, cache.StatsKey, []byte(`{"totalDetections":2}`), 0))
	// Underscores in the prefix must not act as wildcards
	require.NoError(t, store.Set(ctx, "anomalyXbaseline:eve", `[]`, 0))

	v, err := store.Get(ctx, cache.BaselinePrefix+"alice")
	require.NoError(t, err)
	assert.Equal(t, `[{"features":[1]}]`, v)

	keys, err := store.Keys(ctx, cache.BaselinePrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{cache.BaselinePrefix + "alice", cache.BaselinePrefix + "bob"}, keys)

	stats, err := store.Get(ctx, cache.StatsKey)
	require.NoError(t, err)
	assert.JSONEq(t, `{"totalDetections":2}`, stats)

	require.NoError(t, store.Set(ctx, "short-lived", "x", time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	_, err = store.Get(ctx, "short-lived")
	assert.ErrorAs(t, err, &cache.ErrCacheKeyNotFound{})

	purged, err := store.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	keys, err = store.Keys(ctx, "short")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
