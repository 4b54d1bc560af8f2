package aggregator

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	adjustmentdomain "github.com/smallbiznis/metersync/internal/adjustment/domain"
	"github.com/smallbiznis/metersync/internal/clock"
	"github.com/smallbiznis/metersync/internal/config"
	"github.com/smallbiznis/metersync/internal/counter"
	counterdomain "github.com/smallbiznis/metersync/internal/counter/domain"
	obsmetrics "github.com/smallbiznis/metersync/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/metersync/internal/usage/domain"
	"github.com/smallbiznis/metersync/pkg/period"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Key identifies one counter recomputation.
type Key struct {
	TenantID    string
	MetricCode  string
	CustomerID  string
	PeriodStart time.Time
	PeriodType  period.Type
}

func (k Key) counterKey() counterdomain.Key {
	return counterdomain.Key{
		TenantID:    k.TenantID,
		MetricCode:  k.MetricCode,
		CustomerID:  k.CustomerID,
		PeriodStart: k.PeriodStart,
	}
}

func (k Key) adjustmentKey() adjustmentdomain.CounterKey {
	return adjustmentdomain.CounterKey{
		TenantID:    k.TenantID,
		MetricCode:  k.MetricCode,
		CustomerID:  k.CustomerID,
		PeriodStart: k.PeriodStart,
	}
}

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	Cfg           config.Config
	CounterRepo   counterdomain.Repository
	CounterCache  *counter.Cache
	AdjustmentSvc adjustmentdomain.Service
}

// Service turns the append-only event log into materialized counters.
type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	clock         clock.Clock
	cfg           config.Config
	counterRepo   counterdomain.Repository
	counterCache  *counter.Cache
	adjustmentSvc adjustmentdomain.Service
	worker        *obsmetrics.WorkerMetrics
}

func NewService(p Params) *Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("aggregator.service"),
		clock:         p.Clock,
		cfg:           p.Cfg,
		counterRepo:   p.CounterRepo,
		counterCache:  p.CounterCache,
		adjustmentSvc: p.AdjustmentSvc,
		worker:        obsmetrics.Worker(),
	}
}

// Recompute rebuilds the counter for key from the event store.
//
// Events at or after recomputeStart = max(periodStart, watermark −
// latenessWindow) are summed directly. Events in the period but before that
// bound are too old to fold into a changed historical total; each one not
// already compensated becomes a backfill adjustment instead, so the
// correction stays visible and auditable. The final aggregate adds the
// approved adjustment sum on top of the direct sum. Any error aborts before
// the counter write; the counter is never left half-updated.
func (s *Service) Recompute(ctx context.Context, key Key) error {
	periodStart := period.Start(key.PeriodStart, key.PeriodType)
	periodEnd := period.End(periodStart, key.PeriodType)
	key.PeriodStart = periodStart

	existing, err := s.counterRepo.Get(ctx, s.db, key.counterKey())
	if err != nil && err != counterdomain.ErrCounterNotFound {
		return err
	}

	recomputeStart := periodStart
	var priorWatermark *time.Time
	if existing != nil && existing.Watermark != nil {
		priorWatermark = existing.Watermark
		if cutoff := existing.Watermark.Add(-s.cfg.LatenessWindow); cutoff.After(recomputeStart) {
			recomputeStart = cutoff
		}
	}

	reason := obsmetrics.ReaggregationReasonOnTime
	switch {
	case existing == nil:
		reason = obsmetrics.ReaggregationReasonInitial
	case recomputeStart.After(periodStart):
		reason = obsmetrics.ReaggregationReasonLateEvent
	}

	events, err := s.loadEvents(ctx, key, periodStart, periodEnd)
	if err != nil {
		return err
	}

	direct := make([]usagedomain.UsageEvent, 0, len(events))
	var veryLate []usagedomain.UsageEvent
	for _, event := range events {
		if event.OccurredAt.Before(recomputeStart) {
			veryLate = append(veryLate, event)
			continue
		}
		direct = append(direct, event)
	}

	// Compensations must land before the approved sum is taken so that
	// auto-approved backfills count in this run.
	for _, event := range veryLate {
		if err := s.compensateLateEvent(ctx, key, event); err != nil {
			return err
		}
	}

	directSum := decimal.Zero
	directMax := decimal.Zero
	directLast := decimal.Zero
	var lastAt time.Time
	watermark := priorWatermark
	for _, event := range direct {
		directSum = directSum.Add(event.Quantity)
		if event.Quantity.GreaterThan(directMax) {
			directMax = event.Quantity
		}
		if event.OccurredAt.After(lastAt) || event.OccurredAt.Equal(lastAt) {
			lastAt = event.OccurredAt
			directLast = event.Quantity
		}
		if watermark == nil || event.OccurredAt.After(*watermark) {
			ts := event.OccurredAt
			watermark = &ts
		}
	}

	approved, err := s.adjustmentSvc.SumApproved(ctx, key.adjustmentKey())
	if err != nil {
		return err
	}

	updated := &counterdomain.Counter{
		TenantID:    key.TenantID,
		MetricCode:  key.MetricCode,
		CustomerID:  key.CustomerID,
		PeriodStart: periodStart,
		PeriodType:  key.PeriodType,
		AggSum:      directSum.Add(approved),
		AggMax:      directMax,
		AggLast:     directLast,
		EventCount:  int64(len(events)),
		Watermark:   watermark,
		UpdatedAt:   s.clock.Now(),
	}

	if err := s.counterRepo.Upsert(ctx, s.db, updated); err != nil {
		return err
	}
	s.counterCache.Refresh(ctx, updated)
	s.worker.IncReaggregation(reason)

	s.log.Debug("counter recomputed",
		zap.String("tenant_id", key.TenantID),
		zap.String("metric_code", key.MetricCode),
		zap.String("customer_id", key.CustomerID),
		zap.Time("period_start", periodStart),
		zap.String("reason", reason),
		zap.String("agg_sum", updated.AggSum.String()),
		zap.Int("late_events", len(veryLate)),
	)
	return nil
}

func (s *Service) loadEvents(ctx context.Context, key Key, periodStart, periodEnd time.Time) ([]usagedomain.UsageEvent, error) {
	var events []usagedomain.UsageEvent
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND metric_code = ? AND customer_id = ? AND occurred_at >= ? AND occurred_at < ?",
			key.TenantID, key.MetricCode, key.CustomerID, periodStart, periodEnd).
		Order("occurred_at asc, id asc").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

// compensateLateEvent books one backfill adjustment for an event that
// arrived after its timestamp aged out of the recompute window. The source
// event key keeps the compensation one-per-event under replays.
func (s *Service) compensateLateEvent(ctx context.Context, key Key, event usagedomain.UsageEvent) error {
	sourceKey := event.IdempotencyKey
	note := fmt.Sprintf("late event %s occurred at %s", event.ID, event.OccurredAt.UTC().Format(time.RFC3339))

	_, err := s.adjustmentSvc.ProposeSystem(ctx, adjustmentdomain.ProposeSystemRequest{
		ProposeRequest: adjustmentdomain.ProposeRequest{
			TenantID:    key.TenantID,
			MetricCode:  key.MetricCode,
			CustomerID:  key.CustomerID,
			PeriodStart: key.PeriodStart,
			Delta:       event.Quantity,
			Reason:      adjustmentdomain.ReasonBackfill,
			Actor:       adjustmentdomain.ActorLateEvent,
			Note:        &note,
		},
		SourceEventKey: &sourceKey,
	})
	return err
}
