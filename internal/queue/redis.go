package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"gorm.io/datatypes"
)

const (
	redisScheduledKey = "metersync:queue:scheduled"
	redisDedupPrefix  = "metersync:queue:dedup:"
	redisDedupTTL     = 24 * time.Hour
)

type redisJobEnvelope struct {
	ID      string            `json:"id"`
	Kind    string            `json:"kind"`
	Payload datatypes.JSONMap `json:"payload,omitempty"`
	RunAt   time.Time         `json:"run_at"`
}

// RedisQueue schedules jobs in a sorted set scored by run time. A SETNX
// dedup key coalesces repeat enqueues; it is released when the job is
// dequeued, so a job arriving during handling schedules a fresh run.
type RedisQueue struct {
	client *redis.Client
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	if client == nil {
		return nil
	}
	return &RedisQueue{client: client}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) (bool, error) {
	if strings.TrimSpace(job.ID) == "" {
		return false, ErrInvalidJobID
	}
	if strings.TrimSpace(job.Kind) == "" {
		return false, ErrInvalidJobKind
	}

	acquired, err := q.client.SetNX(ctx, redisDedupPrefix+job.ID, "1", redisDedupTTL).Result()
	if err != nil {
		return false, err
	}
	if !acquired {
		return false, nil
	}

	raw, err := json.Marshal(redisJobEnvelope{
		ID:      job.ID,
		Kind:    job.Kind,
		Payload: job.Payload,
		RunAt:   job.RunAt.UTC(),
	})
	if err != nil {
		return false, err
	}

	if err := q.client.ZAdd(ctx, redisScheduledKey, redis.Z{
		Score:  float64(job.RunAt.UTC().UnixMilli()),
		Member: raw,
	}).Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}

	members, err := q.client.ZRangeByScore(ctx, redisScheduledKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UTC().UnixMilli()),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	jobs := make([]Job, 0, len(members))
	for _, member := range members {
		removed, err := q.client.ZRem(ctx, redisScheduledKey, member).Result()
		if err != nil {
			return jobs, err
		}
		if removed == 0 {
			// Another consumer claimed it.
			continue
		}

		var envelope redisJobEnvelope
		if err := json.Unmarshal([]byte(member), &envelope); err != nil {
			continue
		}
		_ = q.client.Del(ctx, redisDedupPrefix+envelope.ID).Err()
		jobs = append(jobs, Job{
			ID:      envelope.ID,
			Kind:    envelope.Kind,
			Payload: envelope.Payload,
			RunAt:   envelope.RunAt,
		})
	}
	return jobs, nil
}
