package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/refinelab/refinery/internal/metrics"
	"github.com/refinelab/refinery/internal/task"
)

const threadKeyPrefix = "refinery:thread:"

// RedisStore keeps each thread's snapshots in a Redis list, appended in run
// order, with a rolling TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// RedisConfig holds connection parameters for the thread store.
type RedisConfig struct {
	Addr     string
	Password string
	TTL      time.Duration
}

// NewRedisStore connects and verifies the backend is reachable.
func NewRedisStore(cfg RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	if cfg.TTL == 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &RedisStore{client: client, ttl: cfg.TTL, logger: logger}, nil
}

// Client exposes the underlying connection for health checks.
func (s *RedisStore) Client() *redis.Client { return s.client }

func (s *RedisStore) Save(ctx context.Context, threadID string, snap task.Snapshot) error {
	raw, err := snap.Marshal()
	if err != nil {
		metrics.ThreadSaves.WithLabelValues("error").Inc()
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	key := threadKeyPrefix + threadID
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, raw)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.ThreadSaves.WithLabelValues("error").Inc()
		return fmt.Errorf("append snapshot for thread %s: %w", threadID, err)
	}
	metrics.ThreadSaves.WithLabelValues("ok").Inc()
	return nil
}

func (s *RedisStore) History(ctx context.Context, threadID string, limit int) ([]task.Snapshot, error) {
	if limit <= 0 {
		limit = 10
	}
	key := threadKeyPrefix + threadID
	raws, err := s.client.LRange(ctx, key, int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load history for thread %s: %w", threadID, err)
	}

	out := make([]task.Snapshot, 0, len(raws))
	for _, raw := range raws {
		var snap task.Snapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			// A corrupt entry is skipped rather than failing the whole read.
			s.logger.Warn("skipping unreadable thread snapshot",
				zap.String("thread_id", threadID),
				zap.Error(err),
			)
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

func (s *RedisStore) Clear(ctx context.Context, threadID string) error {
	if err := s.client.Del(ctx, threadKeyPrefix+threadID).Err(); err != nil {
		return fmt.Errorf("clear thread %s: %w", threadID, err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
