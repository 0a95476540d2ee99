package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/davidleathers/behavioral-anomaly-engine/internal/infrastructure/cache"
)

// Querier is the subset of pgxpool.Pool used by the KV store
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	kvSelectQuery = `SELECT value FROM anomaly_kv
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`

	kvUpsertQuery = `INSERT INTO anomaly_kv (key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = now()`

	kvKeysQuery = `SELECT key FROM anomaly_kv
		WHERE starts_with(key, $1) AND (expires_at IS NULL OR expires_at > now())
		ORDER BY key`

	kvPurgeQuery = `DELETE FROM anomaly_kv WHERE expires_at IS NOT NULL AND expires_at <= now()`
)

// KVStore is a Postgres-backed cache.Cache. Expiry is enforced at read time
// and expired rows are purged in the background.
type KVStore struct {
	db     Querier
	close  func()
	logger *zap.Logger
}

var _ cache.Cache = (*KVStore)(nil)

// NewKVStore wraps a querier; closeFn may be nil
func NewKVStore(db Querier, closeFn func(), logger *zap.Logger) (*KVStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &KVStore{db: db, close: closeFn, logger: logger}, nil
}

func (s *KVStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRow(ctx, kvSelectQuery, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", cache.ErrCacheKeyNotFound{Key: key}
		}
		s.logger.Error("kv get failed", zap.String("key", key), zap.Error(err))
		return "", fmt.Errorf("kv get failed: %w", err)
	}
	return value, nil
}

func (s *KVStore) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl).UTC()
		expiresAt = &t
	}

	if _, err := s.db.Exec(ctx, kvUpsertQuery, key, toText(value), expiresAt); err != nil {
		s.logger.Error("kv set failed",
			zap.String("key", key),
			zap.Duration("ttl", ttl),
			zap.Error(err))
		return fmt.Errorf("kv set failed: %w", err)
	}
	return nil
}

func (s *KVStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.Query(ctx, kvKeysQuery, prefix)
	if err != nil {
		s.logger.Error("kv keys failed", zap.String("prefix", prefix), zap.Error(err))
		return nil, fmt.Errorf("kv keys failed: %w", err)
	}

	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("kv keys scan failed: %w", err)
	}
	return keys, nil
}

// PurgeExpired deletes rows whose TTL has elapsed
func (s *KVStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, kvPurgeQuery)
	if err != nil {
		return 0, fmt.Errorf("kv purge failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// StartBackgroundCleanup purges expired rows every interval until ctx is done
func (s *KVStore) StartBackgroundCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("kv cleanup stopped")
				return
			case <-ticker.C:
				cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				purged, err := s.PurgeExpired(cleanupCtx)
				cancel()
				if err != nil {
					s.logger.Error("kv cleanup failed", zap.Error(err))
				} else if purged > 0 {
					s.logger.Info("kv cleanup completed", zap.Int64("purged", purged))
				}
			}
		}
	}()

	s.logger.Info("kv cleanup started", zap.Duration("interval", interval))
}

func (s *KVStore) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}

func toText(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}
