package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/techops-services/keeperhub-sub010/pkg/config"
	"github.com/techops-services/keeperhub-sub010/pkg/logger"
)

const redisPingTimeout = 10 * time.Second

// NewRedis builds and pings the Redis client backing the trigger queue. A
// URL wins over host/port components when both are set.
func NewRedis(ctx context.Context, cfg *config.RedisConfig) (redis.UniversalClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config is required")
	}
	client, err := buildRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging Redis server: %w", err)
	}
	logger.FromContext(ctx).Info(
		"Redis connection established",
		"queue_driver", "redis",
		"addr", cfg.Addr(),
		"db", cfg.DB,
	)
	return client, nil
}

func buildRedisClient(cfg *config.RedisConfig) (redis.UniversalClient, error) {
	if cfg.URL != "" {
		opt, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing Redis URL: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password.Value(),
		DB:       cfg.DB,
	}), nil
}
