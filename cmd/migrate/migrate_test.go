package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/behavioral-anomaly-engine/internal/infrastructure/database"
	"github.com/davidleathers/behavioral-anomaly-engine/internal/testutil/containers"
)

func TestRunMigration_Validation(t *testing.T) {
	logger := zaptest.NewLogger(t)

	tests := []struct {
		name   string
		url    string
		action string
		steps  int
		errMsg string
	}{
		{"missing url", "", "up", 0, "database url is required"},
		{"negative steps", "postgres://localhost/x", "up", -1, "steps must not be negative"},
		{"unknown action", "postgres://localhost/x", "sideways", 0, `unknown action "sideways"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runMigration(tt.url, tt.action, tt.steps, logger)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestRunMigration_Postgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	pg, err := containers.NewPostgresContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(context.Background()) })

	version := func() uint {
		mg, err := database.NewMigrator(pg.ConnectionString, logger)
		require.NoError(t, err)
		defer mg.Close()
		v, dirty, err := mg.Version()
		require.NoError(t, err)
		assert.False(t, dirty)
		return v
	}

	require.NoError(t, runMigration(pg.ConnectionString, "status", 0, logger))
	assert.Equal(t, uint(0), version())

	require.NoError(t, runMigration(pg.ConnectionString, "up", 0, logger))
	assert.Equal(t, uint(1), version())

	require.NoError(t, runMigration(pg.ConnectionString, "down", 1, logger))
	assert.Equal(t, uint(0), version())

	require.NoError(t, runMigration(pg.ConnectionString, "up", 1, logger))
	assert.Equal(t, uint(1), version())
}
