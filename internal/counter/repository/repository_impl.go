package repository

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/metersync/internal/counter/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, counter *domain.Counter) error {
	if counter == nil {
		return nil
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "tenant_id"},
			{Name: "metric_code"},
			{Name: "customer_id"},
			{Name: "period_start"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"period_type",
			"agg_sum",
			"agg_max",
			"agg_last",
			"event_count",
			"watermark",
			"updated_at",
		}),
	}).Create(counter).Error
}

func (r *repo) Get(ctx context.Context, db *gorm.DB, key domain.Key) (*domain.Counter, error) {
	var counter domain.Counter
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND metric_code = ? AND customer_id = ? AND period_start = ?",
			key.TenantID, key.MetricCode, key.CustomerID, key.PeriodStart.UTC()).
		First(&counter).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrCounterNotFound
		}
		return nil, err
	}
	return &counter, nil
}

func (r *repo) ListByMetricPeriod(ctx context.Context, db *gorm.DB, tenantID, metricCode string, periodStart time.Time) ([]domain.Counter, error) {
	var counters []domain.Counter
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND metric_code = ? AND period_start = ?",
			tenantID, metricCode, periodStart.UTC()).
		Order("customer_id asc").
		Find(&counters).Error
	if err != nil {
		return nil, err
	}
	return counters, nil
}

func (r *repo) ListByTenantPeriod(ctx context.Context, db *gorm.DB, tenantID string, periodStart time.Time) ([]domain.Counter, error) {
	var counters []domain.Counter
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND period_start = ?", tenantID, periodStart.UTC()).
		Order("metric_code asc, customer_id asc").
		Find(&counters).Error
	if err != nil {
		return nil, err
	}
	return counters, nil
}
