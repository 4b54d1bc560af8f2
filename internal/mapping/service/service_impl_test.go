package service

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/metersync/internal/cache"
	counterdomain "github.com/smallbiznis/metersync/internal/counter/domain"
	mappingdomain "github.com/smallbiznis/metersync/internal/mapping/domain"
	mappingrepo "github.com/smallbiznis/metersync/internal/mapping/repository"
	"github.com/smallbiznis/metersync/pkg/period"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newMappingTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:mapping_%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&mappingdomain.PriceMapping{}))

	svc := &Service{
		db:       db,
		log:      zap.NewNop(),
		repo:     mappingrepo.Provide(),
		resolver: cache.NewTTLCache[string, *mappingdomain.PriceMapping](),
	}
	return svc, db
}

func strptr(s string) *string { return &s }

func TestUpsertCreatesAndUpdatesByMetric(t *testing.T) {
	svc, _ := newMappingTestService(t)
	ctx := context.Background()

	created, err := svc.Upsert(ctx, mappingdomain.PriceMapping{
		TenantID:        "t1",
		MetricCode:      "api_calls",
		StripeAccountID: "acct_1",
		Active:          true,
	})
	require.NoError(t, err)
	require.Equal(t, mappingdomain.AggregationSum, created.Aggregation)
	require.Equal(t, period.TypeMonthly, created.PeriodType)

	updated, err := svc.Upsert(ctx, mappingdomain.PriceMapping{
		TenantID:                 "t1",
		MetricCode:               "api_calls",
		StripeAccountID:          "acct_1",
		StripeSubscriptionItemID: strptr("si_1"),
		Aggregation:              mappingdomain.AggregationMax,
		Active:                   true,
	})
	require.NoError(t, err)
	require.Equal(t, mappingdomain.AggregationMax, updated.Aggregation)

	got, err := svc.GetByMetric(ctx, "t1", "api_calls")
	require.NoError(t, err)
	require.Equal(t, mappingdomain.AggregationMax, got.Aggregation)
	require.True(t, got.Bound())
}

func TestUpsertValidation(t *testing.T) {
	svc, _ := newMappingTestService(t)
	ctx := context.Background()

	_, err := svc.Upsert(ctx, mappingdomain.PriceMapping{MetricCode: "m", StripeAccountID: "a"})
	require.ErrorIs(t, err, mappingdomain.ErrInvalidTenant)

	_, err = svc.Upsert(ctx, mappingdomain.PriceMapping{TenantID: "t", StripeAccountID: "a"})
	require.ErrorIs(t, err, mappingdomain.ErrInvalidMetricCode)

	_, err = svc.Upsert(ctx, mappingdomain.PriceMapping{TenantID: "t", MetricCode: "m"})
	require.ErrorIs(t, err, mappingdomain.ErrInvalidAccount)

	_, err = svc.Upsert(ctx, mappingdomain.PriceMapping{
		TenantID: "t", MetricCode: "m", StripeAccountID: "a", Aggregation: "median",
	})
	require.ErrorIs(t, err, mappingdomain.ErrInvalidAggregation)
}

func TestGetByMetricMissing(t *testing.T) {
	svc, _ := newMappingTestService(t)

	_, err := svc.GetByMetric(context.Background(), "t1", "nope")
	require.ErrorIs(t, err, mappingdomain.ErrMappingNotFound)
}

func TestListActiveBoundFiltersUnboundMappings(t *testing.T) {
	svc, _ := newMappingTestService(t)
	ctx := context.Background()

	_, err := svc.Upsert(ctx, mappingdomain.PriceMapping{
		TenantID: "t1", MetricCode: "bound", StripeAccountID: "acct_1",
		StripeSubscriptionItemID: strptr("si_1"), Active: true,
	})
	require.NoError(t, err)
	_, err = svc.Upsert(ctx, mappingdomain.PriceMapping{
		TenantID: "t1", MetricCode: "unbound", StripeAccountID: "acct_1", Active: true,
	})
	require.NoError(t, err)
	_, err = svc.Upsert(ctx, mappingdomain.PriceMapping{
		TenantID: "t1", MetricCode: "inactive", StripeAccountID: "acct_1",
		StripeSubscriptionItemID: strptr("si_2"),
	})
	require.NoError(t, err)

	bound, err := svc.ListActiveBound(ctx)
	require.NoError(t, err)
	require.Len(t, bound, 1)
	require.Equal(t, "bound", bound[0].MetricCode)
}

func TestTotalOfDispatchesOnAggregation(t *testing.T) {
	c := &counterdomain.Counter{
		AggSum:     decimal.RequireFromString("10.5"),
		AggMax:     decimal.NewFromInt(4),
		AggLast:    decimal.NewFromInt(2),
		EventCount: 7,
	}

	require.True(t, mappingdomain.AggregationSum.TotalOf(c).Equal(decimal.RequireFromString("10.5")))
	require.True(t, mappingdomain.AggregationCount.TotalOf(c).Equal(decimal.NewFromInt(7)))
	require.True(t, mappingdomain.AggregationMax.TotalOf(c).Equal(decimal.NewFromInt(4)))
	require.True(t, mappingdomain.AggregationLast.TotalOf(c).Equal(decimal.NewFromInt(2)))
	require.True(t, mappingdomain.AggregationSum.TotalOf(nil).IsZero())
}

func TestResolverCacheInvalidatedOnUpsert(t *testing.T) {
	svc, _ := newMappingTestService(t)
	ctx := context.Background()

	_, err := svc.Upsert(ctx, mappingdomain.PriceMapping{
		TenantID: "t1", MetricCode: "api_calls", StripeAccountID: "acct_1", Active: true,
	})
	require.NoError(t, err)

	first, err := svc.GetByMetric(ctx, "t1", "api_calls")
	require.NoError(t, err)
	require.Equal(t, mappingdomain.AggregationSum, first.Aggregation)

	_, err = svc.Upsert(ctx, mappingdomain.PriceMapping{
		TenantID: "t1", MetricCode: "api_calls", StripeAccountID: "acct_1",
		Aggregation: mappingdomain.AggregationLast, Active: true,
	})
	require.NoError(t, err)

	refreshed, err := svc.GetByMetric(ctx, "t1", "api_calls")
	require.NoError(t, err)
	require.Equal(t, mappingdomain.AggregationLast, refreshed.Aggregation)
}
