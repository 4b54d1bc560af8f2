package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/metersync/internal/config"
)

const (
	keyUsageIngestTenant = "usage:ingest:tenant:%s"
	keyUsageIngestLock   = "usage:ingest:lock:%s:%s:%s"
)

// UsageIngestLimiter throttles event ingest per tenant and guards concurrent
// recomputation of the same counter.
type UsageIngestLimiter struct {
	enabled bool

	bucket *TokenBucket
	locker *Locker

	tenantRate  float64
	tenantBurst int
	lockTTL     time.Duration
}

func NewUsageIngestLimiter(cfg config.Config, client *redis.Client) (*UsageIngestLimiter, error) {
	if !cfg.IngestRateLimitEnabled {
		return nil, nil
	}
	if client == nil {
		return nil, errors.New("ingest rate limiting requires a redis client")
	}
	if cfg.IngestTenantRate <= 0 || cfg.IngestTenantBurst <= 0 {
		return nil, errors.New("ingest tenant rate limit must be positive")
	}

	return &UsageIngestLimiter{
		enabled:     true,
		bucket:      NewTokenBucket(client),
		locker:      NewLocker(client),
		tenantRate:  cfg.IngestTenantRate,
		tenantBurst: cfg.IngestTenantBurst,
		lockTTL:     cfg.IngestLockTTL,
	}, nil
}

func (l *UsageIngestLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// AllowTenant consumes one ingest token for the tenant.
func (l *UsageIngestLimiter) AllowTenant(ctx context.Context, tenantID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyUsageIngestTenant, strings.TrimSpace(tenantID)), l.tenantRate, l.tenantBurst)
}

// TryLockCounter takes a short-lived lock around one counter recomputation.
func (l *UsageIngestLimiter) TryLockCounter(ctx context.Context, tenantID, metricCode, customerID string) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}
	key := fmt.Sprintf(
		keyUsageIngestLock,
		strings.TrimSpace(tenantID),
		strings.TrimSpace(metricCode),
		strings.TrimSpace(customerID),
	)
	return l.locker.TryLock(ctx, key, l.lockTTL)
}

func (l *UsageIngestLimiter) ReleaseCounter(ctx context.Context, tenantID, metricCode, customerID, token string) error {
	if !l.Enabled() {
		return nil
	}
	key := fmt.Sprintf(
		keyUsageIngestLock,
		strings.TrimSpace(tenantID),
		strings.TrimSpace(metricCode),
		strings.TrimSpace(customerID),
	)
	return l.locker.Release(ctx, key, token)
}
