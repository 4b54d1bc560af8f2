package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/metersync/internal/alert"
	"github.com/smallbiznis/metersync/internal/clock"
	"github.com/smallbiznis/metersync/internal/config"
	counterdomain "github.com/smallbiznis/metersync/internal/counter/domain"
	mappingdomain "github.com/smallbiznis/metersync/internal/mapping/domain"
	obsmetrics "github.com/smallbiznis/metersync/internal/observability/metrics"
	stripedomain "github.com/smallbiznis/metersync/internal/providers/stripe/domain"
	writerdomain "github.com/smallbiznis/metersync/internal/writer/domain"
	"github.com/smallbiznis/metersync/pkg/idempotency"
	"github.com/smallbiznis/metersync/pkg/period"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	pushAttempts     = 5
	pushInitialDelay = time.Second
	pushMaxDelay     = 30 * time.Second

	writeErrorTTL        = 24 * time.Hour
	deliveryAlertWindow  = 6 * time.Hour
	writeLogMirrorTTL    = time.Hour
	writeLogMirrorPrefix = "writelog:"
)

var ErrSweepInProgress = errors.New("sweep_in_progress")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Cfg        config.Config
	MappingSvc mappingdomain.Service
	Counters   counterdomain.Repository
	Stripe     stripedomain.Client
	Notifier   alert.Notifier
	Cooldown   *alert.Cooldown
	Redis      *redis.Client `optional:"true"`
}

// Service pushes usage deltas to the billing platform.
type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	cfg        config.Config
	mappingSvc mappingdomain.Service
	counters   counterdomain.Repository
	stripe     stripedomain.Client
	notifier   alert.Notifier
	cooldown   *alert.Cooldown
	redis      *redis.Client
	limiters   *limiterRegistry
	worker     *obsmetrics.WorkerMetrics

	retryInitial time.Duration
	retryMax     time.Duration

	sweeping atomic.Bool
}

func NewService(p Params) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("writer.service"),
		clock:      p.Clock,
		cfg:        p.Cfg,
		mappingSvc: p.MappingSvc,
		counters:   p.Counters,
		stripe:     p.Stripe,
		notifier:   p.Notifier,
		cooldown:   p.Cooldown,
		redis:      p.Redis,
		limiters:   newLimiterRegistry(p.Cfg.StripeRateLimit),
		worker:     obsmetrics.Worker(),

		retryInitial: pushInitialDelay,
		retryMax:     pushMaxDelay,
	}
}

// Sweep pushes the current-period delta for every active bound mapping.
// Mappings are processed sequentially; within a mapping, customer pushes run
// in parallel under the account's rate limiter. Single-flight in-process.
func (s *Service) Sweep(ctx context.Context) error {
	if !s.sweeping.CompareAndSwap(false, true) {
		return ErrSweepInProgress
	}
	defer s.sweeping.Store(false)

	mappings, err := s.mappingSvc.ListActiveBound(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, mapping := range mappings {
		if err := s.sweepMapping(ctx, mapping); err != nil {
			errs = append(errs, fmt.Errorf("mapping %s/%s: %w", mapping.TenantID, mapping.MetricCode, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) sweepMapping(ctx context.Context, mapping mappingdomain.PriceMapping) error {
	periodStart := period.Current(s.clock.Now(), mapping.PeriodType)
	counters, err := s.counters.ListByMetricPeriod(ctx, s.db, mapping.TenantID, mapping.MetricCode, periodStart)
	if err != nil {
		return err
	}
	if len(counters) == 0 {
		return nil
	}

	limiter := s.limiters.For(s.pushAccount(mapping))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency())
	for _, c := range counters {
		c := c
		g.Go(func() error {
			if err := s.pushCounter(gctx, mapping, c, limiter); err != nil {
				s.log.Warn("push failed",
					zap.String("tenant_id", c.TenantID),
					zap.String("metric_code", c.MetricCode),
					zap.String("customer_id", c.CustomerID),
					zap.Error(err),
				)
			}
			// A single customer's failure never aborts the sweep.
			return nil
		})
	}
	return g.Wait()
}

func (s *Service) pushCounter(ctx context.Context, mapping mappingdomain.PriceMapping, c counterdomain.Counter, limiter *rate.Limiter) error {
	localTotal := mapping.Aggregation.TotalOf(&c)

	if mapping.Shadow {
		return s.pushShadow(ctx, mapping, c, localTotal, limiter)
	}
	return s.pushLive(ctx, mapping, c, localTotal, limiter)
}

// pushLive delivers delta = local − pushed. Skips leave the write log
// untouched: a non-positive delta means no new usage, not a correction.
func (s *Service) pushLive(ctx context.Context, mapping mappingdomain.PriceMapping, c counterdomain.Counter, localTotal decimal.Decimal, limiter *rate.Limiter) error {
	itemID := *mapping.StripeSubscriptionItemID
	periodStart := c.PeriodStart

	writeLog, err := s.getWriteLog(ctx, c.TenantID, mapping.StripeAccountID, itemID, periodStart)
	if err != nil {
		return err
	}
	pushedTotal := decimal.Zero
	if writeLog != nil {
		pushedTotal = writeLog.PushedTotal
	}

	delta := localTotal.Sub(pushedTotal)
	if delta.LessThanOrEqual(decimal.Zero) {
		s.worker.IncPush(obsmetrics.PushModeLive, obsmetrics.PushOutcomeSkipped)
		return nil
	}
	quantity := delta.Round(0).IntPart()
	if quantity <= 0 {
		s.worker.IncPush(obsmetrics.PushModeLive, obsmetrics.PushOutcomeSkipped)
		return nil
	}

	now := s.clock.Now()
	key := idempotency.SaltedPushKey(c.TenantID, itemID, periodStart, delta, now)

	result, err := s.deliver(ctx, limiter, stripedomain.PushUsageRequest{
		AccountID:          mapping.StripeAccountID,
		SubscriptionItemID: itemID,
		Quantity:           quantity,
		Timestamp:          now,
		IdempotencyKey:     key,
	})
	if err != nil {
		s.worker.IncPush(obsmetrics.PushModeLive, obsmetrics.PushOutcomeFailed)
		s.recordWriteError(ctx, c, itemID, delta, localTotal, pushedTotal, err)
		s.alertDeliveryFailure(ctx, mapping, c, delta, localTotal, pushedTotal, err)
		return err
	}

	if err := s.upsertWriteLog(ctx, &writerdomain.WriteLog{
		TenantID:                 c.TenantID,
		StripeAccountID:          mapping.StripeAccountID,
		StripeSubscriptionItemID: itemID,
		PeriodStart:              periodStart,
		PushedTotal:              localTotal,
		LastRequestID:            &result.UsageRecordID,
		UpdatedAt:                now,
	}); err != nil {
		return err
	}

	s.worker.IncPush(obsmetrics.PushModeLive, obsmetrics.PushOutcomePushed)
	return nil
}

// pushShadow mirrors the would-be delivery to the sandbox target. The key is
// content-derived so identical simulated totals never double-post, and the
// live write log is never read or written.
func (s *Service) pushShadow(ctx context.Context, mapping mappingdomain.PriceMapping, c counterdomain.Counter, localTotal decimal.Decimal, limiter *rate.Limiter) error {
	if !mapping.ShadowBound() {
		return nil
	}
	if localTotal.LessThanOrEqual(decimal.Zero) {
		s.worker.IncPush(obsmetrics.PushModeShadow, obsmetrics.PushOutcomeSkipped)
		return nil
	}
	quantity := localTotal.Round(0).IntPart()
	if quantity <= 0 {
		s.worker.IncPush(obsmetrics.PushModeShadow, obsmetrics.PushOutcomeSkipped)
		return nil
	}

	itemID := *mapping.ShadowSubscriptionItemID
	account := mapping.StripeAccountID
	if mapping.ShadowStripeAccountID != nil && *mapping.ShadowStripeAccountID != "" {
		account = *mapping.ShadowStripeAccountID
	}
	key := idempotency.ShadowPushKey(c.TenantID, itemID, c.PeriodStart, localTotal)

	_, err := s.deliver(ctx, limiter, stripedomain.PushUsageRequest{
		AccountID:          account,
		SubscriptionItemID: itemID,
		Quantity:           quantity,
		Timestamp:          s.clock.Now(),
		IdempotencyKey:     key,
		TestMode:           true,
	})
	if err != nil {
		s.worker.IncPush(obsmetrics.PushModeShadow, obsmetrics.PushOutcomeFailed)
		return err
	}
	s.worker.IncPush(obsmetrics.PushModeShadow, obsmetrics.PushOutcomePushed)
	return nil
}

// deliver wraps one push in bounded exponential backoff. Only rate-limit and
// server-error responses are retried; everything else fails immediately.
func (s *Service) deliver(ctx context.Context, limiter *rate.Limiter, req stripedomain.PushUsageRequest) (*stripedomain.PushUsageResult, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retryInitial
	policy.MaxInterval = s.retryMax

	var result *stripedomain.PushUsageResult
	operation := func() error {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		pushed, err := s.stripe.PushUsage(ctx, req)
		if err != nil {
			if errors.Is(err, stripedomain.ErrRateLimited) || errors.Is(err, stripedomain.ErrServerError) {
				s.worker.IncPushRetry(err)
				return err
			}
			return backoff.Permanent(err)
		}
		result = pushed
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, pushAttempts-1), ctx))
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) getWriteLog(ctx context.Context, tenantID, accountID, itemID string, periodStart time.Time) (*writerdomain.WriteLog, error) {
	var writeLog writerdomain.WriteLog
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND stripe_account_id = ? AND stripe_subscription_item_id = ? AND period_start = ?",
			tenantID, accountID, itemID, periodStart.UTC()).
		First(&writeLog).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &writeLog, nil
}

func (s *Service) upsertWriteLog(ctx context.Context, writeLog *writerdomain.WriteLog) error {
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "tenant_id"},
			{Name: "stripe_account_id"},
			{Name: "stripe_subscription_item_id"},
			{Name: "period_start"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"pushed_total", "last_request_id", "updated_at"}),
	}).Create(writeLog).Error; err != nil {
		return err
	}
	s.mirrorWriteLog(ctx, writeLog)
	return nil
}

func (s *Service) mirrorWriteLog(ctx context.Context, writeLog *writerdomain.WriteLog) {
	if s.redis == nil || writeLog == nil {
		return
	}
	raw, err := json.Marshal(writeLog)
	if err != nil {
		return
	}
	key := fmt.Sprintf("%s%s:%s:%s:%s", writeLogMirrorPrefix,
		writeLog.TenantID, writeLog.StripeAccountID, writeLog.StripeSubscriptionItemID,
		writeLog.PeriodStart.UTC().Format("2006-01-02"),
	)
	_ = s.redis.Set(ctx, key, raw, writeLogMirrorTTL).Err()
}

// recordWriteError leaves a short-lived breadcrumb for operators with the
// totals involved in the failed push.
func (s *Service) recordWriteError(ctx context.Context, c counterdomain.Counter, itemID string, delta, localTotal, pushedTotal decimal.Decimal, cause error) {
	if s.redis == nil {
		return
	}
	raw, err := json.Marshal(map[string]any{
		"tenant_id":    c.TenantID,
		"metric_code":  c.MetricCode,
		"customer_id":  c.CustomerID,
		"item_id":      itemID,
		"period_start": c.PeriodStart.UTC().Format(time.RFC3339),
		"delta":        delta.String(),
		"local_total":  localTotal.String(),
		"pushed_total": pushedTotal.String(),
		"error":        cause.Error(),
		"at":           s.clock.Now().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	key := fmt.Sprintf("write_error:%s:%s:%s", c.TenantID, itemID, c.PeriodStart.UTC().Format("2006-01-02"))
	_ = s.redis.Set(ctx, key, raw, writeErrorTTL).Err()
}

func (s *Service) alertDeliveryFailure(ctx context.Context, mapping mappingdomain.PriceMapping, c counterdomain.Counter, delta, localTotal, pushedTotal decimal.Decimal, cause error) {
	cooldownKey := fmt.Sprintf("delivery:%s:%s", c.TenantID, c.MetricCode)
	if !s.cooldown.Allow(ctx, cooldownKey, deliveryAlertWindow) {
		return
	}
	_ = s.notifier.Notify(ctx, alert.Payload{
		Type:               alert.TypeDelivery,
		TenantID:           c.TenantID,
		MetricCode:         c.MetricCode,
		SubscriptionItemID: *mapping.StripeSubscriptionItemID,
		LocalTotal:         localTotal.String(),
		RemoteTotal:        pushedTotal.String(),
		Message:            fmt.Sprintf("usage push failed after retries: %v", cause),
		Details: map[string]any{
			"delta":       delta.String(),
			"customer_id": c.CustomerID,
		},
		At: s.clock.Now(),
	})
}

func (s *Service) pushAccount(mapping mappingdomain.PriceMapping) string {
	if mapping.Shadow && mapping.ShadowStripeAccountID != nil && *mapping.ShadowStripeAccountID != "" {
		return *mapping.ShadowStripeAccountID
	}
	return mapping.StripeAccountID
}

func (s *Service) concurrency() int {
	if s.cfg.WorkerConcurrency > 0 {
		return s.cfg.WorkerConcurrency
	}
	return 10
}
