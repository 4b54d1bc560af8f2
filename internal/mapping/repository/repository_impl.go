package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/smallbiznis/metersync/internal/mapping/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, mapping *domain.PriceMapping) error {
	if mapping == nil {
		return nil
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "tenant_id"},
			{Name: "metric_code"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"stripe_account_id",
			"stripe_price_id",
			"stripe_subscription_item_id",
			"aggregation",
			"period_type",
			"shadow",
			"shadow_stripe_account_id",
			"shadow_price_id",
			"shadow_subscription_item_id",
			"active",
			"updated_at",
		}),
	}).Create(mapping).Error
}

func (r *repo) GetByMetric(ctx context.Context, db *gorm.DB, tenantID, metricCode string) (*domain.PriceMapping, error) {
	var mapping domain.PriceMapping
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND metric_code = ?", strings.TrimSpace(tenantID), strings.TrimSpace(metricCode)).
		First(&mapping).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrMappingNotFound
		}
		return nil, err
	}
	return &mapping, nil
}

func (r *repo) ListActive(ctx context.Context, db *gorm.DB) ([]domain.PriceMapping, error) {
	var mappings []domain.PriceMapping
	err := db.WithContext(ctx).
		Where("active = ?", true).
		Order("tenant_id asc, metric_code asc").
		Find(&mappings).Error
	if err != nil {
		return nil, err
	}
	return mappings, nil
}

func (r *repo) ListActiveBound(ctx context.Context, db *gorm.DB) ([]domain.PriceMapping, error) {
	var mappings []domain.PriceMapping
	err := db.WithContext(ctx).
		Where("active = ? AND stripe_subscription_item_id IS NOT NULL AND stripe_subscription_item_id <> ''", true).
		Order("tenant_id asc, metric_code asc").
		Find(&mappings).Error
	if err != nil {
		return nil, err
	}
	return mappings, nil
}
