package cache

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/metersync/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewRedisClient opens the shared redis connection. A nil client is returned
// when no address is configured so redis-backed features degrade gracefully.
func NewRedisClient(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *redis.Client {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		log.Warn("redis address not configured, redis-backed features disabled")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				log.Warn("redis ping failed", zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			_ = ctx
			return client.Close()
		},
	})

	return client
}

var Module = fx.Module("cache",
	fx.Provide(NewRedisClient),
)
