package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	adjustmentdomain "github.com/smallbiznis/metersync/internal/adjustment/domain"
	"github.com/smallbiznis/metersync/internal/clock"
	"github.com/smallbiznis/metersync/internal/config"
	obsmetrics "github.com/smallbiznis/metersync/internal/observability/metrics"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newAdjustmentTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:adjustment_%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&adjustmentdomain.Adjustment{}))
	return db
}

func newTestService(t *testing.T, db *gorm.DB, cfg config.Config, now time.Time) *Service {
	t.Helper()
	return &Service{
		db:     db,
		log:    zap.NewNop(),
		clock:  clock.NewFakeClock(now),
		cfg:    cfg,
		worker: obsmetrics.Worker(),
	}
}

func testKey(periodStart time.Time) adjustmentdomain.CounterKey {
	return adjustmentdomain.CounterKey{
		TenantID:    "t1",
		MetricCode:  "api_calls",
		CustomerID:  "cust_1",
		PeriodStart: periodStart,
	}
}

func proposeRequest(periodStart time.Time, delta int64) adjustmentdomain.ProposeRequest {
	return adjustmentdomain.ProposeRequest{
		TenantID:    "t1",
		MetricCode:  "api_calls",
		CustomerID:  "cust_1",
		PeriodStart: periodStart,
		Delta:       decimal.NewFromInt(delta),
		Reason:      adjustmentdomain.ReasonManual,
		Actor:       "ops@example.com",
	}
}

func TestProposeCreatesPendingEntry(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	periodStart := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	svc := newTestService(t, newAdjustmentTestDB(t), config.Config{}, now)

	entry, err := svc.Propose(context.Background(), proposeRequest(periodStart, 5))
	require.NoError(t, err)
	require.Equal(t, adjustmentdomain.StatusPending, entry.Status)
	require.Nil(t, entry.ApprovedBy)
}

func TestSumApprovedCountsOnlyApprovedRows(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	periodStart := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	db := newAdjustmentTestDB(t)
	svc := newTestService(t, db, config.Config{}, now)

	fixtures := []struct {
		delta  int64
		status adjustmentdomain.Status
	}{
		{2, adjustmentdomain.StatusPending},
		{3, adjustmentdomain.StatusApproved},
		{4, adjustmentdomain.StatusReverted},
	}
	for _, f := range fixtures {
		require.NoError(t, db.Create(&adjustmentdomain.Adjustment{
			ID:          uuid.New(),
			TenantID:    "t1",
			MetricCode:  "api_calls",
			CustomerID:  "cust_1",
			PeriodStart: periodStart,
			Delta:       decimal.NewFromInt(f.delta),
			Reason:      adjustmentdomain.ReasonManual,
			Actor:       "ops@example.com",
			Status:      f.status,
			CreatedAt:   now,
			UpdatedAt:   now,
		}).Error)
	}

	total, err := svc.SumApproved(context.Background(), testKey(periodStart))
	require.NoError(t, err)
	require.True(t, total.Equal(decimal.NewFromInt(3)), total.String())
}

func TestApproveIsIdempotent(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	periodStart := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	svc := newTestService(t, newAdjustmentTestDB(t), config.Config{}, now)

	entry, err := svc.Propose(context.Background(), proposeRequest(periodStart, 5))
	require.NoError(t, err)

	approved, err := svc.Approve(context.Background(), entry.ID, "reviewer@example.com")
	require.NoError(t, err)
	require.Equal(t, adjustmentdomain.StatusApproved, approved.Status)
	require.NotNil(t, approved.ApprovedBy)
	require.Equal(t, "reviewer@example.com", *approved.ApprovedBy)

	again, err := svc.Approve(context.Background(), entry.ID, "someone-else@example.com")
	require.NoError(t, err)
	require.Equal(t, adjustmentdomain.StatusApproved, again.Status)
	require.Equal(t, "reviewer@example.com", *again.ApprovedBy)
}

func TestApproveRevertedFails(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	periodStart := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	svc := newTestService(t, newAdjustmentTestDB(t), config.Config{}, now)

	entry, err := svc.Propose(context.Background(), proposeRequest(periodStart, 5))
	require.NoError(t, err)
	_, err = svc.Approve(context.Background(), entry.ID, "reviewer@example.com")
	require.NoError(t, err)
	_, err = svc.Revert(context.Background(), entry.ID, "reviewer@example.com")
	require.NoError(t, err)

	_, err = svc.Approve(context.Background(), entry.ID, "reviewer@example.com")
	require.ErrorIs(t, err, adjustmentdomain.ErrAlreadyReverted)
}

func TestRevertCreatesLinkedApprovedReversal(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	periodStart := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	svc := newTestService(t, newAdjustmentTestDB(t), config.Config{}, now)

	entry, err := svc.Propose(context.Background(), proposeRequest(periodStart, 7))
	require.NoError(t, err)
	_, err = svc.Approve(context.Background(), entry.ID, "reviewer@example.com")
	require.NoError(t, err)

	reversal, err := svc.Revert(context.Background(), entry.ID, "reviewer@example.com")
	require.NoError(t, err)
	require.True(t, reversal.Delta.Equal(decimal.NewFromInt(-7)))
	require.Equal(t, adjustmentdomain.StatusApproved, reversal.Status)
	require.NotNil(t, reversal.ParentAdjustmentID)
	require.Equal(t, entry.ID, *reversal.ParentAdjustmentID)

	original, err := svc.Get(context.Background(), entry.ID)
	require.NoError(t, err)
	require.Equal(t, adjustmentdomain.StatusReverted, original.Status)
	require.NotNil(t, original.RevertedBy)
}

func TestRevertPendingFails(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	periodStart := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	svc := newTestService(t, newAdjustmentTestDB(t), config.Config{}, now)

	entry, err := svc.Propose(context.Background(), proposeRequest(periodStart, 5))
	require.NoError(t, err)

	_, err = svc.Revert(context.Background(), entry.ID, "reviewer@example.com")
	require.ErrorIs(t, err, adjustmentdomain.ErrNotApproved)
}

func TestRevertTwiceFails(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	periodStart := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	svc := newTestService(t, newAdjustmentTestDB(t), config.Config{}, now)

	entry, err := svc.Propose(context.Background(), proposeRequest(periodStart, 5))
	require.NoError(t, err)
	_, err = svc.Approve(context.Background(), entry.ID, "reviewer@example.com")
	require.NoError(t, err)
	_, err = svc.Revert(context.Background(), entry.ID, "reviewer@example.com")
	require.NoError(t, err)

	_, err = svc.Revert(context.Background(), entry.ID, "reviewer@example.com")
	require.ErrorIs(t, err, adjustmentdomain.ErrAlreadyReverted)
}

func TestProposeSystemDefaultsToPending(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	periodStart := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	svc := newTestService(t, newAdjustmentTestDB(t), config.Config{}, now)

	req := proposeRequest(periodStart, 2)
	req.Reason = adjustmentdomain.ReasonBackfill
	req.Actor = adjustmentdomain.ActorLateEvent
	entry, err := svc.ProposeSystem(context.Background(), adjustmentdomain.ProposeSystemRequest{ProposeRequest: req})
	require.NoError(t, err)
	require.Equal(t, adjustmentdomain.StatusPending, entry.Status)
}

func TestProposeSystemAutoApproveWhenConfigured(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	periodStart := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	svc := newTestService(t, newAdjustmentTestDB(t), config.Config{AutoApproveSystemAdjustments: true}, now)

	req := proposeRequest(periodStart, 2)
	req.Reason = adjustmentdomain.ReasonBackfill
	req.Actor = adjustmentdomain.ActorLateEvent
	entry, err := svc.ProposeSystem(context.Background(), adjustmentdomain.ProposeSystemRequest{ProposeRequest: req})
	require.NoError(t, err)
	require.Equal(t, adjustmentdomain.StatusApproved, entry.Status)
	require.NotNil(t, entry.ApprovedBy)
	require.Equal(t, adjustmentdomain.ActorLateEvent, *entry.ApprovedBy)
}

func TestProposeSystemDeduplicatesOnSourceEventKey(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	periodStart := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	db := newAdjustmentTestDB(t)
	svc := newTestService(t, db, config.Config{}, now)

	sourceKey := "evt_deadbeefdeadbeef"
	req := proposeRequest(periodStart, 2)
	req.Reason = adjustmentdomain.ReasonBackfill
	req.Actor = adjustmentdomain.ActorLateEvent

	first, err := svc.ProposeSystem(context.Background(), adjustmentdomain.ProposeSystemRequest{
		ProposeRequest: req,
		SourceEventKey: &sourceKey,
	})
	require.NoError(t, err)

	second, err := svc.ProposeSystem(context.Background(), adjustmentdomain.ProposeSystemRequest{
		ProposeRequest: req,
		SourceEventKey: &sourceKey,
	})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, db.Model(&adjustmentdomain.Adjustment{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestProposeValidation(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	periodStart := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	svc := newTestService(t, newAdjustmentTestDB(t), config.Config{}, now)

	cases := []struct {
		name    string
		mutate  func(*adjustmentdomain.ProposeRequest)
		wantErr error
	}{
		{"missing tenant", func(r *adjustmentdomain.ProposeRequest) { r.TenantID = "" }, adjustmentdomain.ErrInvalidTenant},
		{"zero delta", func(r *adjustmentdomain.ProposeRequest) { r.Delta = decimal.Zero }, adjustmentdomain.ErrInvalidDelta},
		{"bad reason", func(r *adjustmentdomain.ProposeRequest) { r.Reason = "typo" }, adjustmentdomain.ErrInvalidReason},
		{"missing actor", func(r *adjustmentdomain.ProposeRequest) { r.Actor = " " }, adjustmentdomain.ErrInvalidActor},
		{"zero period", func(r *adjustmentdomain.ProposeRequest) { r.PeriodStart = time.Time{} }, adjustmentdomain.ErrInvalidPeriod},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := proposeRequest(periodStart, 5)
			tc.mutate(&req)
			_, err := svc.Propose(context.Background(), req)
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}
