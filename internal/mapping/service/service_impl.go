package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/metersync/internal/cache"
	mappingdomain "github.com/smallbiznis/metersync/internal/mapping/domain"
	"github.com/smallbiznis/metersync/pkg/period"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const resolverTTL = 10 * time.Minute

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo mappingdomain.Repository
}

type Service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo mappingdomain.Repository

	resolver cache.Cache[string, *mappingdomain.PriceMapping]
}

func NewService(p Params) mappingdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("mapping.service"),
		repo:     p.Repo,
		resolver: cache.NewTTLCache[string, *mappingdomain.PriceMapping](),
	}
}

func (s *Service) Upsert(ctx context.Context, mapping mappingdomain.PriceMapping) (*mappingdomain.PriceMapping, error) {
	mapping.TenantID = strings.TrimSpace(mapping.TenantID)
	if mapping.TenantID == "" {
		return nil, mappingdomain.ErrInvalidTenant
	}
	mapping.MetricCode = strings.TrimSpace(mapping.MetricCode)
	if mapping.MetricCode == "" {
		return nil, mappingdomain.ErrInvalidMetricCode
	}
	mapping.StripeAccountID = strings.TrimSpace(mapping.StripeAccountID)
	if mapping.StripeAccountID == "" {
		return nil, mappingdomain.ErrInvalidAccount
	}

	aggregation, err := mappingdomain.ParseAggregation(string(mapping.Aggregation))
	if err != nil {
		return nil, err
	}
	mapping.Aggregation = aggregation

	periodType, err := period.Parse(string(mapping.PeriodType))
	if err != nil {
		return nil, err
	}
	mapping.PeriodType = periodType

	now := time.Now().UTC()
	if mapping.ID == uuid.Nil {
		mapping.ID = uuid.New()
		mapping.CreatedAt = now
	}
	mapping.UpdatedAt = now

	if err := s.repo.Upsert(ctx, s.db, &mapping); err != nil {
		return nil, err
	}
	s.resolver.Delete(resolverKey(mapping.TenantID, mapping.MetricCode))
	return &mapping, nil
}

func (s *Service) GetByMetric(ctx context.Context, tenantID, metricCode string) (*mappingdomain.PriceMapping, error) {
	tenantID = strings.TrimSpace(tenantID)
	metricCode = strings.TrimSpace(metricCode)
	if tenantID == "" {
		return nil, mappingdomain.ErrInvalidTenant
	}
	if metricCode == "" {
		return nil, mappingdomain.ErrInvalidMetricCode
	}

	key := resolverKey(tenantID, metricCode)
	if cached, ok := s.resolver.Get(key); ok {
		return cached, nil
	}

	mapping, err := s.repo.GetByMetric(ctx, s.db, tenantID, metricCode)
	if err != nil {
		return nil, err
	}
	s.resolver.Set(key, mapping, resolverTTL)
	return mapping, nil
}

func (s *Service) ListActive(ctx context.Context) ([]mappingdomain.PriceMapping, error) {
	return s.repo.ListActive(ctx, s.db)
}

func (s *Service) ListActiveBound(ctx context.Context) ([]mappingdomain.PriceMapping, error) {
	return s.repo.ListActiveBound(ctx, s.db)
}

func resolverKey(tenantID, metricCode string) string {
	return strings.ToLower(tenantID) + "|" + strings.ToLower(metricCode)
}
