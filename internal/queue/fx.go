package queue

import (
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("queue",
	fx.Provide(New),
)

// New prefers the redis-backed queue and falls back to the in-memory queue
// when redis is not configured.
func New(client *redis.Client, log *zap.Logger) Queue {
	if client != nil {
		return NewRedisQueue(client)
	}
	log.Warn("redis not configured, using in-memory job queue")
	return NewMemoryQueue()
}
