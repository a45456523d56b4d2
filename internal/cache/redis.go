package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/xwatch/xwatch-bot/internal/models"
)

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisStore is a Store shared between processes. Expiry is delegated to Redis TTLs.
type RedisStore struct {
	client   *redis.Client
	prefix   string
	recorder HitRecorder
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(ctx context.Context, cfg RedisConfig, recorder HitRecorder) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	logrus.Infof("Connected to Redis cache at %s", cfg.Addr)
	return &RedisStore{client: client, prefix: cfg.Prefix, recorder: recorder}, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]models.Item, bool) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logrus.Warnf("Redis cache get %s failed: %v", key, err)
		}
		return nil, false
	}

	var items []models.Item
	if err := json.Unmarshal(data, &items); err != nil {
		logrus.Warnf("Dropping undecodable cache entry %s: %v", key, err)
		r.client.Del(ctx, r.prefix+key)
		return nil, false
	}

	if r.recorder != nil {
		r.recorder.RecordCacheHit()
	}
	return items, true
}

func (r *RedisStore) Put(ctx context.Context, key string, items []models.Item, ttl time.Duration) {
	data, err := json.Marshal(items)
	if err != nil {
		logrus.Warnf("Failed to encode cache entry %s: %v", key, err)
		return
	}
	if err := r.client.Set(ctx, r.prefix+key, data, ttl).Err(); err != nil {
		logrus.Warnf("Redis cache set %s failed: %v", key, err)
	}
}

// Purge is a no-op because Redis expires keys itself
func (r *RedisStore) Purge(_ context.Context) int {
	return 0
}

func (r *RedisStore) Len(ctx context.Context) int {
	count := 0
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		logrus.Warnf("Redis cache scan failed: %v", err)
	}
	return count
}

// Close closes the Redis connection
func (r *RedisStore) Close() error {
	return r.client.Close()
}
