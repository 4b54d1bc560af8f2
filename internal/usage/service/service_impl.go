package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/metersync/internal/clock"
	"github.com/smallbiznis/metersync/internal/config"
	mappingdomain "github.com/smallbiznis/metersync/internal/mapping/domain"
	obsmetrics "github.com/smallbiznis/metersync/internal/observability/metrics"
	"github.com/smallbiznis/metersync/internal/queue"
	"github.com/smallbiznis/metersync/internal/ratelimit"
	usagedomain "github.com/smallbiznis/metersync/internal/usage/domain"
	"github.com/smallbiznis/metersync/pkg/db/pagination"
	"github.com/smallbiznis/metersync/pkg/idempotency"
	"github.com/smallbiznis/metersync/pkg/period"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Cfg        config.Config
	MappingSvc mappingdomain.Service
	Queue      queue.Queue
	ObsMetrics *obsmetrics.Metrics           `optional:"true"`
	Limiter    *ratelimit.UsageIngestLimiter `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	clock      clock.Clock
	cfg        config.Config
	mappingSvc mappingdomain.Service
	queue      queue.Queue
	obsMetrics *obsmetrics.Metrics
	limiter    *ratelimit.UsageIngestLimiter
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("usage.service"),

		genID:      p.GenID,
		clock:      p.Clock,
		cfg:        p.Cfg,
		mappingSvc: p.MappingSvc,
		queue:      p.Queue,
		obsMetrics: p.ObsMetrics,
		limiter:    p.Limiter,
	}
}

func (s *Service) Ingest(ctx context.Context, req usagedomain.IngestRequest) (*usagedomain.UsageEvent, usagedomain.IngestResult, error) {
	if err := validateIngestRequest(req); err != nil {
		return nil, "", err
	}

	tenantID := strings.TrimSpace(req.TenantID)
	metricCode := strings.TrimSpace(req.MetricCode)
	customerID := strings.TrimSpace(req.CustomerID)

	if s.limiter.Enabled() {
		result, err := s.limiter.AllowTenant(ctx, tenantID)
		if err != nil {
			s.log.Warn("ingest rate limiter unavailable", zap.Error(err))
		} else if !result.Allowed {
			if s.obsMetrics != nil {
				s.obsMetrics.RecordRateLimitDenied(ctx, tenantID)
			}
			return nil, "", usagedomain.ErrRateLimited
		}
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		resource := ""
		if req.ResourceID != nil {
			resource = *req.ResourceID
		}
		key = idempotency.EventKey(tenantID, metricCode, customerID, resource, req.OccurredAt)
	}

	// Replays return the stored row exactly as-is.
	existing, err := s.findByIdempotencyKey(ctx, tenantID, key)
	if err != nil {
		return nil, "", err
	}
	if existing != nil {
		s.recordIngest(ctx, metricCode, usagedomain.ResultDuplicate)
		return existing, usagedomain.ResultDuplicate, nil
	}

	now := s.clock.Now()
	record := &usagedomain.UsageEvent{
		ID:             s.genID.Generate(),
		TenantID:       tenantID,
		IdempotencyKey: key,
		MetricCode:     metricCode,
		CustomerID:     customerID,
		ResourceID:     normalizeResource(req.ResourceID),
		Quantity:       req.Quantity,
		OccurredAt:     req.OccurredAt.UTC(),
		ReceivedAt:     now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.Metadata != nil {
		record.Metadata = datatypes.JSONMap(req.Metadata)
	}

	inserted, err := s.insertUsageEvent(ctx, record)
	if err != nil {
		return nil, "", err
	}

	if !inserted {
		existing, err := s.findByIdempotencyKey(ctx, tenantID, key)
		if err != nil {
			return nil, "", err
		}
		if existing != nil {
			s.recordIngest(ctx, metricCode, usagedomain.ResultDuplicate)
			return existing, usagedomain.ResultDuplicate, nil
		}
		return nil, "", errors.New("usage event conflict without stored row")
	}

	s.recordIngest(ctx, metricCode, usagedomain.ResultAccepted)
	s.enqueueAggregation(ctx, record)

	return record, usagedomain.ResultAccepted, nil
}

func (s *Service) IngestBatch(ctx context.Context, reqs []usagedomain.IngestRequest) (usagedomain.BatchResult, error) {
	var result usagedomain.BatchResult
	for i, req := range reqs {
		if err := validateIngestRequest(req); err != nil {
			result.Errors = append(result.Errors, usagedomain.BatchItemError{Index: i, Err: err})
			continue
		}
		_, outcome, err := s.Ingest(ctx, req)
		if err != nil {
			result.Errors = append(result.Errors, usagedomain.BatchItemError{Index: i, Err: err})
			continue
		}
		switch outcome {
		case usagedomain.ResultDuplicate:
			result.Duplicates++
		default:
			result.Accepted++
		}
	}
	return result, nil
}

func (s *Service) List(ctx context.Context, req usagedomain.ListUsageRequest) (usagedomain.ListUsageResponse, error) {
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		return usagedomain.ListUsageResponse{}, usagedomain.ErrInvalidTenant
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 250 {
		pageSize = 250
	}

	stmt := s.db.WithContext(ctx).Model(&usagedomain.UsageEvent{}).
		Where("tenant_id = ?", tenantID)
	if metricCode := strings.TrimSpace(req.MetricCode); metricCode != "" {
		stmt = stmt.Where("metric_code = ?", metricCode)
	}
	if customerID := strings.TrimSpace(req.CustomerID); customerID != "" {
		stmt = stmt.Where("customer_id = ?", customerID)
	}
	if req.From != nil {
		stmt = stmt.Where("occurred_at >= ?", req.From.UTC())
	}
	if req.To != nil {
		stmt = stmt.Where("occurred_at < ?", req.To.UTC())
	}

	if strings.TrimSpace(req.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return usagedomain.ListUsageResponse{}, usagedomain.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339, decoded.CreatedAt)
		if err != nil {
			return usagedomain.ListUsageResponse{}, usagedomain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return usagedomain.ListUsageResponse{}, usagedomain.ErrInvalidPageToken
		}
		stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)", createdAt, createdAt, id)
	}

	var items []*usagedomain.UsageEvent
	if err := stmt.Order("created_at desc, id desc").Limit(int(pageSize) + 1).Find(&items).Error; err != nil {
		return usagedomain.ListUsageResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(record *usagedomain.UsageEvent) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        record.ID.String(),
			CreatedAt: record.CreatedAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > int(pageSize) {
		items = items[:pageSize]
	}

	events := make([]usagedomain.UsageEvent, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		events = append(events, *item)
	}

	resp := usagedomain.ListUsageResponse{UsageEvents: events}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *Service) insertUsageEvent(ctx context.Context, record *usagedomain.UsageEvent) (bool, error) {
	if record == nil {
		return false, errors.New("missing_usage_event")
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) findByIdempotencyKey(ctx context.Context, tenantID, key string) (*usagedomain.UsageEvent, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	var record usagedomain.UsageEvent
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND idempotency_key = ?", tenantID, key).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// enqueueAggregation schedules a coalesced recomputation of the counter the
// event lands in. Best effort; the periodic sweep heals missed jobs.
func (s *Service) enqueueAggregation(ctx context.Context, record *usagedomain.UsageEvent) {
	if s.queue == nil || record == nil {
		return
	}

	periodType := period.TypeMonthly
	if s.mappingSvc != nil {
		mapping, err := s.mappingSvc.GetByMetric(ctx, record.TenantID, record.MetricCode)
		if err == nil && mapping != nil {
			periodType = mapping.PeriodType
		} else if err != nil && !errors.Is(err, mappingdomain.ErrMappingNotFound) {
			s.log.Warn("mapping lookup failed, assuming monthly period", zap.Error(err))
		}
	}

	periodStart := period.Start(record.OccurredAt, periodType)
	jobID := fmt.Sprintf("agg:%s:%s:%s:%s",
		record.TenantID, record.MetricCode, record.CustomerID,
		periodStart.Format("2006-01-02"),
	)

	_, err := s.queue.Enqueue(ctx, queue.Job{
		ID:   jobID,
		Kind: queue.KindAggregate,
		Payload: datatypes.JSONMap{
			"tenant_id":    record.TenantID,
			"metric_code":  record.MetricCode,
			"customer_id":  record.CustomerID,
			"period_start": periodStart.Format(time.RFC3339),
			"period_type":  string(periodType),
		},
		RunAt: s.clock.Now().Add(s.cfg.AggregationDelay),
	})
	if err != nil {
		s.log.Warn("failed to enqueue aggregation job", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (s *Service) recordIngest(ctx context.Context, metricCode string, result usagedomain.IngestResult) {
	if s.obsMetrics == nil {
		return
	}
	s.obsMetrics.RecordEventIngested(ctx, metricCode, string(result))
}

func validateIngestRequest(req usagedomain.IngestRequest) error {
	if strings.TrimSpace(req.TenantID) == "" {
		return usagedomain.ErrInvalidTenant
	}
	if strings.TrimSpace(req.MetricCode) == "" {
		return usagedomain.ErrInvalidMetricCode
	}
	if strings.TrimSpace(req.CustomerID) == "" {
		return usagedomain.ErrInvalidCustomer
	}
	if req.Quantity.IsNegative() || req.Quantity.IsZero() {
		return usagedomain.ErrInvalidQuantity
	}
	if req.OccurredAt.IsZero() {
		return usagedomain.ErrInvalidOccurredAt
	}
	return nil
}

func normalizeResource(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
