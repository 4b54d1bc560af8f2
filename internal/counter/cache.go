package counter

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/metersync/internal/counter/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultMirrorTTL = time.Hour

// Cache mirrors counter rows into redis for cheap reads. The store stays
// authoritative; cache errors degrade to repository reads.
type Cache struct {
	client *redis.Client
	repo   domain.Repository
	db     *gorm.DB
	log    *zap.Logger
	ttl    time.Duration
}

func NewCache(client *redis.Client, repo domain.Repository, db *gorm.DB, log *zap.Logger) *Cache {
	return &Cache{
		client: client,
		repo:   repo,
		db:     db,
		log:    log.Named("counter.cache"),
		ttl:    defaultMirrorTTL,
	}
}

// Refresh writes the JSON mirror for a counter.
func (c *Cache) Refresh(ctx context.Context, counter *domain.Counter) {
	if c == nil || c.client == nil || counter == nil {
		return
	}
	raw, err := json.Marshal(counter)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, counter.Key().CacheKey(), raw, c.ttl).Err(); err != nil {
		c.log.Debug("counter mirror write failed", zap.Error(err))
	}
}

// Get reads the mirror and falls back to the store on miss or error.
func (c *Cache) Get(ctx context.Context, key domain.Key) (*domain.Counter, error) {
	if c == nil || c.repo == nil {
		return nil, errors.New("counter cache not configured")
	}

	if c.client != nil {
		raw, err := c.client.Get(ctx, key.CacheKey()).Bytes()
		if err == nil {
			var counter domain.Counter
			if err := json.Unmarshal(raw, &counter); err == nil {
				return &counter, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			c.log.Debug("counter mirror read failed", zap.Error(err))
		}
	}

	counter, err := c.repo.Get(ctx, c.db, key)
	if err != nil {
		return nil, err
	}
	c.Refresh(ctx, counter)
	return counter, nil
}
