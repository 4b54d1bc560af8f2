package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	adjustmentdomain "github.com/smallbiznis/metersync/internal/adjustment/domain"
	"github.com/smallbiznis/metersync/internal/alert"
	"github.com/smallbiznis/metersync/internal/clock"
	"github.com/smallbiznis/metersync/internal/config"
	counterdomain "github.com/smallbiznis/metersync/internal/counter/domain"
	counterrepo "github.com/smallbiznis/metersync/internal/counter/repository"
	mappingdomain "github.com/smallbiznis/metersync/internal/mapping/domain"
	stripedomain "github.com/smallbiznis/metersync/internal/providers/stripe/domain"
	reconcilerdomain "github.com/smallbiznis/metersync/internal/reconciler/domain"
	"github.com/smallbiznis/metersync/pkg/period"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type stubMappingService struct {
	mappings []mappingdomain.PriceMapping
}

func (s *stubMappingService) Upsert(ctx context.Context, mapping mappingdomain.PriceMapping) (*mappingdomain.PriceMapping, error) {
	return nil, errors.New("not implemented")
}

func (s *stubMappingService) GetByMetric(ctx context.Context, tenantID, metricCode string) (*mappingdomain.PriceMapping, error) {
	return nil, mappingdomain.ErrMappingNotFound
}

func (s *stubMappingService) ListActive(ctx context.Context) ([]mappingdomain.PriceMapping, error) {
	return s.mappings, nil
}

func (s *stubMappingService) ListActiveBound(ctx context.Context) ([]mappingdomain.PriceMapping, error) {
	return s.mappings, nil
}

type stubStripeClient struct {
	total decimal.Decimal
	err   error
}

func (s *stubStripeClient) PushUsage(ctx context.Context, req stripedomain.PushUsageRequest) (*stripedomain.PushUsageResult, error) {
	return nil, errors.New("not implemented")
}

func (s *stubStripeClient) TotalUsage(ctx context.Context, accountID, subscriptionItemID string) (decimal.Decimal, error) {
	if s.err != nil {
		return decimal.Zero, s.err
	}
	return s.total, nil
}

type recordingAdjustmentService struct {
	mu        sync.Mutex
	proposals []adjustmentdomain.ProposeSystemRequest
}

func (r *recordingAdjustmentService) Propose(ctx context.Context, req adjustmentdomain.ProposeRequest) (*adjustmentdomain.Adjustment, error) {
	return nil, errors.New("not implemented")
}

func (r *recordingAdjustmentService) ProposeSystem(ctx context.Context, req adjustmentdomain.ProposeSystemRequest) (*adjustmentdomain.Adjustment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.proposals = append(r.proposals, req)
	return &adjustmentdomain.Adjustment{ID: uuid.New()}, nil
}

func (r *recordingAdjustmentService) Approve(ctx context.Context, id uuid.UUID, approvedBy string) (*adjustmentdomain.Adjustment, error) {
	return nil, errors.New("not implemented")
}

func (r *recordingAdjustmentService) Revert(ctx context.Context, id uuid.UUID, revertedBy string) (*adjustmentdomain.Adjustment, error) {
	return nil, errors.New("not implemented")
}

func (r *recordingAdjustmentService) Get(ctx context.Context, id uuid.UUID) (*adjustmentdomain.Adjustment, error) {
	return nil, adjustmentdomain.ErrNotFound
}

func (r *recordingAdjustmentService) ListByCounter(ctx context.Context, key adjustmentdomain.CounterKey) ([]adjustmentdomain.Adjustment, error) {
	return nil, nil
}

func (r *recordingAdjustmentService) SumApproved(ctx context.Context, key adjustmentdomain.CounterKey) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	payloads []alert.Payload
}

func (r *recordingNotifier) Notify(ctx context.Context, payload alert.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, payload)
	return nil
}

func newReconcilerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:reconciler_%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&counterdomain.Counter{}, &reconcilerdomain.ReconciliationReport{}))
	return db
}

type testDeps struct {
	db          *gorm.DB
	adjustments *recordingAdjustmentService
	notifier    *recordingNotifier
}

func newTestService(t *testing.T, mappings []mappingdomain.PriceMapping, stripe stripedomain.Client, now time.Time) (*Service, *testDeps) {
	t.Helper()
	deps := &testDeps{
		db:          newReconcilerTestDB(t),
		adjustments: &recordingAdjustmentService{},
		notifier:    &recordingNotifier{},
	}
	svc := NewService(Params{
		DB:    deps.db,
		Log:   zap.NewNop(),
		Clock: clock.NewFakeClock(now),
		Cfg:   config.Config{},
		Policy: config.NewStaticReconcilePolicyHolder(config.ReconcilePolicy{
			Epsilon:           0.005,
			MinCorrection:     0.01,
			AlertCooldownDays: 7,
		}),
		MappingSvc:    &stubMappingService{mappings: mappings},
		Counters:      counterrepo.Provide(),
		AdjustmentSvc: deps.adjustments,
		Stripe:        stripe,
		Notifier:      deps.notifier,
		Cooldown:      alert.NewCooldown(nil),
	})
	return svc, deps
}

func strptr(s string) *string { return &s }

func boundMapping(tenantID, metric, item string) mappingdomain.PriceMapping {
	return mappingdomain.PriceMapping{
		TenantID:                 tenantID,
		MetricCode:               metric,
		StripeAccountID:          "acct_1",
		StripeSubscriptionItemID: strptr(item),
		Aggregation:              mappingdomain.AggregationSum,
		PeriodType:               period.TypeMonthly,
		Active:                   true,
	}
}

func seedCounter(t *testing.T, db *gorm.DB, tenantID, metric, customer string, periodStart time.Time, sum string) {
	t.Helper()
	require.NoError(t, db.Create(&counterdomain.Counter{
		TenantID:    tenantID,
		MetricCode:  metric,
		CustomerID:  customer,
		PeriodStart: periodStart,
		PeriodType:  period.TypeMonthly,
		AggSum:      decimal.RequireFromString(sum),
		EventCount:  1,
		UpdatedAt:   periodStart,
	}).Error)
}

func loadReports(t *testing.T, db *gorm.DB) []reconcilerdomain.ReconciliationReport {
	t.Helper()
	var reports []reconcilerdomain.ReconciliationReport
	require.NoError(t, db.Order("created_at asc").Find(&reports).Error)
	return reports
}

func TestRunWithinEpsilonReportsOK(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	periodStart := period.Start(now, period.TypeMonthly)
	stripe := &stubStripeClient{total: decimal.RequireFromString("100.2")}
	svc, deps := newTestService(t, []mappingdomain.PriceMapping{boundMapping("t1", "api_calls", "si_1")}, stripe, now)

	seedCounter(t, deps.db, "t1", "api_calls", "cust_1", periodStart, "100")

	require.NoError(t, svc.Run(context.Background()))

	reports := loadReports(t, deps.db)
	require.Len(t, reports, 1)
	require.Equal(t, reconcilerdomain.StatusOK, reports[0].Status)
	require.True(t, reports[0].LocalTotal.Equal(decimal.NewFromInt(100)))
	require.Empty(t, deps.adjustments.proposals)
	require.Empty(t, deps.notifier.payloads)
}

func TestRunHealsUndercountProportionally(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	periodStart := period.Start(now, period.TypeMonthly)
	stripe := &stubStripeClient{total: decimal.RequireFromString("110")}
	svc, deps := newTestService(t, []mappingdomain.PriceMapping{boundMapping("t1", "api_calls", "si_1")}, stripe, now)

	seedCounter(t, deps.db, "t1", "api_calls", "cust_a", periodStart, "30")
	seedCounter(t, deps.db, "t1", "api_calls", "cust_b", periodStart, "70")

	require.NoError(t, svc.Run(context.Background()))

	reports := loadReports(t, deps.db)
	require.Len(t, reports, 1)
	require.Equal(t, reconcilerdomain.StatusInvestigate, reports[0].Status)
	require.Equal(t, 2, reports[0].CorrectionCount)

	require.Len(t, deps.adjustments.proposals, 2)
	byCustomer := map[string]decimal.Decimal{}
	for _, p := range deps.adjustments.proposals {
		require.Equal(t, adjustmentdomain.ReasonCorrection, p.Reason)
		require.Equal(t, adjustmentdomain.ActorReconciliation, p.Actor)
		byCustomer[p.CustomerID] = p.Delta
	}
	require.True(t, byCustomer["cust_a"].Equal(decimal.NewFromInt(3)))
	require.True(t, byCustomer["cust_b"].Equal(decimal.NewFromInt(7)))
	require.Empty(t, deps.notifier.payloads)
}

func TestRunSkipsCorrectionsBelowMinimum(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	periodStart := period.Start(now, period.TypeMonthly)
	// 1% drift over two customers; the small customer's slice falls under the
	// correction floor.
	stripe := &stubStripeClient{total: decimal.RequireFromString("101")}
	svc, deps := newTestService(t, []mappingdomain.PriceMapping{boundMapping("t1", "api_calls", "si_1")}, stripe, now)

	seedCounter(t, deps.db, "t1", "api_calls", "cust_small", periodStart, "0.5")
	seedCounter(t, deps.db, "t1", "api_calls", "cust_big", periodStart, "99.5")

	require.NoError(t, svc.Run(context.Background()))

	require.Len(t, deps.adjustments.proposals, 1)
	require.Equal(t, "cust_big", deps.adjustments.proposals[0].CustomerID)
}

func TestRunAlertsOnOvercountWithoutCorrecting(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	periodStart := period.Start(now, period.TypeMonthly)
	stripe := &stubStripeClient{total: decimal.RequireFromString("80")}
	svc, deps := newTestService(t, []mappingdomain.PriceMapping{boundMapping("t1", "api_calls", "si_1")}, stripe, now)

	seedCounter(t, deps.db, "t1", "api_calls", "cust_1", periodStart, "100")

	require.NoError(t, svc.Run(context.Background()))

	reports := loadReports(t, deps.db)
	require.Len(t, reports, 1)
	require.Equal(t, reconcilerdomain.StatusInvestigate, reports[0].Status)
	require.Zero(t, reports[0].CorrectionCount)
	require.Empty(t, deps.adjustments.proposals)

	require.Len(t, deps.notifier.payloads, 1)
	require.Equal(t, alert.TypeDrift, deps.notifier.payloads[0].Type)
	require.Equal(t, "t1", deps.notifier.payloads[0].TenantID)
}

func TestRunPersistsFailedReportOnProviderError(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	periodStart := period.Start(now, period.TypeMonthly)
	stripe := &stubStripeClient{err: stripedomain.ErrServerError}
	svc, deps := newTestService(t, []mappingdomain.PriceMapping{boundMapping("t1", "api_calls", "si_1")}, stripe, now)

	seedCounter(t, deps.db, "t1", "api_calls", "cust_1", periodStart, "100")

	require.Error(t, svc.Run(context.Background()))

	reports := loadReports(t, deps.db)
	require.Len(t, reports, 1)
	require.Equal(t, reconcilerdomain.StatusFailed, reports[0].Status)
	require.NotNil(t, reports[0].Error)
	require.Empty(t, deps.adjustments.proposals)
}

func TestRunSkipsShadowMappings(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	stripe := &stubStripeClient{total: decimal.NewFromInt(100)}
	mapping := boundMapping("t1", "api_calls", "si_1")
	mapping.Shadow = true
	svc, deps := newTestService(t, []mappingdomain.PriceMapping{mapping}, stripe, now)

	require.NoError(t, svc.Run(context.Background()))
	require.Empty(t, loadReports(t, deps.db))
}

func TestRunSingleFlight(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	svc, _ := newTestService(t, nil, &stubStripeClient{}, now)

	svc.running.Store(true)
	require.ErrorIs(t, svc.Run(context.Background()), ErrRunInProgress)
	svc.running.Store(false)
	require.NoError(t, svc.Run(context.Background()))
}

func TestDriftRatio(t *testing.T) {
	require.Zero(t, driftRatio(decimal.Zero, decimal.Zero))
	require.Equal(t, 1.0, driftRatio(decimal.NewFromInt(10), decimal.Zero))
	require.Equal(t, 1.0, driftRatio(decimal.Zero, decimal.NewFromInt(10)))
	require.InDelta(t, 0.1, driftRatio(decimal.NewFromInt(90), decimal.NewFromInt(100)), 1e-9)
	// Overcounts divide by the platform total, not the larger side.
	require.InDelta(t, 10.0/90.0, driftRatio(decimal.NewFromInt(100), decimal.NewFromInt(90)), 1e-9)
	require.InDelta(t, 0.5/99.5, driftRatio(decimal.NewFromInt(100), decimal.RequireFromString("99.5")), 1e-9)
}

func TestItemMetricsKeyUsesPeriodDay(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	require.Equal(t, "reconciliation:metrics:t1:si_1:2025-06-01", itemMetricsKey("t1", "si_1", start))
}

func TestRunBoundaryOvercountIsInvestigated(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	periodStart := period.Start(now, period.TypeMonthly)
	// 0.5 over a platform total of 99.5 is just past the 0.005 epsilon.
	stripe := &stubStripeClient{total: decimal.RequireFromString("99.5")}
	svc, deps := newTestService(t, []mappingdomain.PriceMapping{boundMapping("t1", "api_calls", "si_1")}, stripe, now)

	seedCounter(t, deps.db, "t1", "api_calls", "cust_1", periodStart, "100")

	require.NoError(t, svc.Run(context.Background()))

	reports := loadReports(t, deps.db)
	require.Len(t, reports, 1)
	require.Equal(t, reconcilerdomain.StatusInvestigate, reports[0].Status)
	require.Zero(t, reports[0].CorrectionCount)
	require.Len(t, deps.notifier.payloads, 1)
}
