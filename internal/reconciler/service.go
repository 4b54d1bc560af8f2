package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	adjustmentdomain "github.com/smallbiznis/metersync/internal/adjustment/domain"
	"github.com/smallbiznis/metersync/internal/alert"
	"github.com/smallbiznis/metersync/internal/clock"
	"github.com/smallbiznis/metersync/internal/config"
	counterdomain "github.com/smallbiznis/metersync/internal/counter/domain"
	mappingdomain "github.com/smallbiznis/metersync/internal/mapping/domain"
	obsmetrics "github.com/smallbiznis/metersync/internal/observability/metrics"
	stripedomain "github.com/smallbiznis/metersync/internal/providers/stripe/domain"
	reconcilerdomain "github.com/smallbiznis/metersync/internal/reconciler/domain"
	"github.com/smallbiznis/metersync/pkg/period"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	lastRunKey        = "reconciliation:last_run"
	lastRunTTL        = 24 * time.Hour
	itemMetricsPrefix = "reconciliation:metrics:"
	itemMetricsTTL    = 24 * time.Hour
)

var ErrRunInProgress = errors.New("reconciliation_in_progress")

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	Cfg           config.Config
	Policy        *config.ReconcilePolicyHolder
	MappingSvc    mappingdomain.Service
	Counters      counterdomain.Repository
	AdjustmentSvc adjustmentdomain.Service
	Stripe        stripedomain.Client
	Notifier      alert.Notifier
	Cooldown      *alert.Cooldown
	Redis         *redis.Client `optional:"true"`
}

// Service compares local aggregated usage against the billing platform and
// self-heals under-counts through correction adjustments.
type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	clock         clock.Clock
	cfg           config.Config
	policy        *config.ReconcilePolicyHolder
	mappingSvc    mappingdomain.Service
	counters      counterdomain.Repository
	adjustmentSvc adjustmentdomain.Service
	stripe        stripedomain.Client
	notifier      alert.Notifier
	cooldown      *alert.Cooldown
	redis         *redis.Client
	worker        *obsmetrics.WorkerMetrics

	running atomic.Bool
}

func NewService(p Params) *Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("reconciler.service"),
		clock:         p.Clock,
		cfg:           p.Cfg,
		policy:        p.Policy,
		mappingSvc:    p.MappingSvc,
		counters:      p.Counters,
		adjustmentSvc: p.AdjustmentSvc,
		stripe:        p.Stripe,
		notifier:      p.Notifier,
		cooldown:      p.Cooldown,
		redis:         p.Redis,
		worker:        obsmetrics.Worker(),
	}
}

// Run reconciles every active live mapping for the current period. A report
// row is persisted per item regardless of outcome. Single-flight in-process.
func (s *Service) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrRunInProgress
	}
	defer s.running.Store(false)

	mappings, err := s.mappingSvc.ListActiveBound(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, mapping := range mappings {
		if mapping.Shadow {
			continue
		}
		if err := s.reconcileMapping(ctx, mapping); err != nil {
			errs = append(errs, fmt.Errorf("mapping %s/%s: %w", mapping.TenantID, mapping.MetricCode, err))
		}
	}

	s.markLastRun(ctx)
	return errors.Join(errs...)
}

func (s *Service) reconcileMapping(ctx context.Context, mapping mappingdomain.PriceMapping) error {
	itemID := *mapping.StripeSubscriptionItemID
	periodStart := period.Current(s.clock.Now(), mapping.PeriodType)

	counters, err := s.counters.ListByMetricPeriod(ctx, s.db, mapping.TenantID, mapping.MetricCode, periodStart)
	if err != nil {
		return err
	}

	localTotal := decimal.Zero
	for i := range counters {
		localTotal = localTotal.Add(mapping.Aggregation.TotalOf(&counters[i]))
	}

	report := &reconcilerdomain.ReconciliationReport{
		ID:                 uuid.New(),
		TenantID:           mapping.TenantID,
		MetricCode:         mapping.MetricCode,
		SubscriptionItemID: itemID,
		PeriodStart:        periodStart,
		LocalTotal:         localTotal,
		CreatedAt:          s.clock.Now(),
	}

	remoteTotal, err := s.stripe.TotalUsage(ctx, mapping.StripeAccountID, itemID)
	if err != nil {
		msg := err.Error()
		report.Status = reconcilerdomain.StatusFailed
		report.Error = &msg
		s.worker.IncReconciledItem(obsmetrics.ReconcileStatusFailed)
		if persistErr := s.persistReport(ctx, report); persistErr != nil {
			return errors.Join(err, persistErr)
		}
		return err
	}

	diff := remoteTotal.Sub(localTotal)
	drift := driftRatio(localTotal, remoteTotal)
	policy := s.policy.Get()

	report.RemoteTotal = remoteTotal
	report.Diff = diff
	report.DriftPct = drift

	if drift <= policy.Epsilon {
		report.Status = reconcilerdomain.StatusOK
		s.worker.IncReconciledItem(obsmetrics.ReconcileStatusOK)
		s.worker.ObserveDriftRatio(obsmetrics.ReconcileStatusOK, drift)
		return s.persistReport(ctx, report)
	}

	report.Status = reconcilerdomain.StatusInvestigate
	s.worker.IncReconciledItem(obsmetrics.ReconcileStatusInvestigate)
	s.worker.ObserveDriftRatio(obsmetrics.ReconcileStatusInvestigate, drift)

	if diff.IsPositive() {
		// The platform has more usage than we do: heal locally so the next
		// sweep does not re-push already-billed quantity.
		corrections, err := s.healUndercount(ctx, mapping, counters, periodStart, localTotal, diff, policy)
		if err != nil {
			s.log.Error("self-heal failed",
				zap.String("tenant_id", mapping.TenantID),
				zap.String("metric_code", mapping.MetricCode),
				zap.Error(err),
			)
		}
		report.CorrectionCount = corrections
	} else {
		// Local exceeds the platform. Corrections here would double-bill on
		// the next sweep, so this side only alerts.
		s.alertDrift(ctx, mapping, itemID, localTotal, remoteTotal, drift, policy)
	}

	s.log.Warn("drift detected",
		zap.String("tenant_id", mapping.TenantID),
		zap.String("metric_code", mapping.MetricCode),
		zap.String("local_total", localTotal.String()),
		zap.String("remote_total", remoteTotal.String()),
		zap.Float64("drift_pct", drift),
		zap.Int("corrections", report.CorrectionCount),
	)
	return s.persistReport(ctx, report)
}

// healUndercount distributes the missing quantity across customers in
// proportion to their local share. With no local usage at all the whole diff
// goes to a single synthetic slice per customer, split evenly.
func (s *Service) healUndercount(ctx context.Context, mapping mappingdomain.PriceMapping, counters []counterdomain.Counter, periodStart time.Time, localTotal, missing decimal.Decimal, policy config.ReconcilePolicy) (int, error) {
	if len(counters) == 0 {
		return 0, nil
	}

	minCorrection := decimal.NewFromFloat(policy.MinCorrection)
	even := decimal.NewFromInt(int64(len(counters)))

	corrections := 0
	var errs []error
	for i := range counters {
		c := &counters[i]

		var slice decimal.Decimal
		if localTotal.IsPositive() {
			share := mapping.Aggregation.TotalOf(c).Div(localTotal)
			slice = missing.Mul(share).Round(6)
		} else {
			slice = missing.Div(even).Round(6)
		}
		if slice.LessThan(minCorrection) {
			continue
		}

		note := fmt.Sprintf("reconciliation correction for %s (drift heal)", mapping.MetricCode)
		_, err := s.adjustmentSvc.ProposeSystem(ctx, adjustmentdomain.ProposeSystemRequest{
			ProposeRequest: adjustmentdomain.ProposeRequest{
				TenantID:    c.TenantID,
				MetricCode:  c.MetricCode,
				CustomerID:  c.CustomerID,
				PeriodStart: periodStart,
				Delta:       slice,
				Reason:      adjustmentdomain.ReasonCorrection,
				Actor:       adjustmentdomain.ActorReconciliation,
				Note:        &note,
			},
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		corrections++
	}
	return corrections, errors.Join(errs...)
}

func (s *Service) alertDrift(ctx context.Context, mapping mappingdomain.PriceMapping, itemID string, localTotal, remoteTotal decimal.Decimal, drift float64, policy config.ReconcilePolicy) {
	cooldownKey := fmt.Sprintf("drift:%s:%s", mapping.TenantID, mapping.MetricCode)
	cooldownTTL := time.Duration(policy.AlertCooldownDays) * 24 * time.Hour
	if !s.cooldown.Allow(ctx, cooldownKey, cooldownTTL) {
		return
	}
	_ = s.notifier.Notify(ctx, alert.Payload{
		Type:               alert.TypeDrift,
		TenantID:           mapping.TenantID,
		MetricCode:         mapping.MetricCode,
		SubscriptionItemID: itemID,
		LocalTotal:         localTotal.String(),
		RemoteTotal:        remoteTotal.String(),
		Message:            "local usage exceeds billing platform total; manual review required",
		Details: map[string]any{
			"drift_pct": drift,
		},
		At: s.clock.Now(),
	})
}

func (s *Service) persistReport(ctx context.Context, report *reconcilerdomain.ReconciliationReport) error {
	if err := s.db.WithContext(ctx).Create(report).Error; err != nil {
		return err
	}
	s.mirrorReportMetrics(ctx, report)
	return nil
}

// mirrorReportMetrics leaves a short-lived per-item snapshot for operator
// dashboards, keyed by tenant, subscription item, and period day.
func (s *Service) mirrorReportMetrics(ctx context.Context, report *reconcilerdomain.ReconciliationReport) {
	if s.redis == nil {
		return
	}
	raw, err := json.Marshal(map[string]any{
		"tenant_id":            report.TenantID,
		"metric_code":          report.MetricCode,
		"subscription_item_id": report.SubscriptionItemID,
		"period_start":         report.PeriodStart.UTC().Format(time.RFC3339),
		"local_total":          report.LocalTotal.String(),
		"remote_total":         report.RemoteTotal.String(),
		"diff":                 report.Diff.String(),
		"drift_pct":            report.DriftPct,
		"status":               string(report.Status),
		"correction_count":     report.CorrectionCount,
		"at":                   s.clock.Now().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	key := itemMetricsKey(report.TenantID, report.SubscriptionItemID, report.PeriodStart)
	_ = s.redis.Set(ctx, key, raw, itemMetricsTTL).Err()
}

func itemMetricsKey(tenantID, itemID string, periodStart time.Time) string {
	return fmt.Sprintf("%s%s:%s:%s", itemMetricsPrefix,
		tenantID, itemID, periodStart.UTC().Format("2006-01-02"))
}

func (s *Service) markLastRun(ctx context.Context) {
	if s.redis == nil {
		return
	}
	_ = s.redis.Set(ctx, lastRunKey, s.clock.Now().Format(time.RFC3339), lastRunTTL).Err()
}

// driftRatio normalizes the absolute difference against the platform total,
// the billing source of truth. A zero platform total with any difference
// counts as full drift.
func driftRatio(local, remote decimal.Decimal) float64 {
	diff := remote.Sub(local).Abs()
	if remote.IsPositive() {
		ratio, _ := diff.Div(remote).Float64()
		return ratio
	}
	if diff.IsPositive() {
		return 1
	}
	return 0
}
