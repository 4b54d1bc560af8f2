package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	adjustmentdomain "github.com/smallbiznis/metersync/internal/adjustment/domain"
	auditdomain "github.com/smallbiznis/metersync/internal/audit/domain"
	"github.com/smallbiznis/metersync/internal/clock"
	"github.com/smallbiznis/metersync/internal/config"
	obsmetrics "github.com/smallbiznis/metersync/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Cfg        config.Config
	AuditSvc   auditdomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	cfg        config.Config
	auditSvc   auditdomain.Service
	obsMetrics *obsmetrics.Metrics
	worker     *obsmetrics.WorkerMetrics
}

func NewService(p Params) adjustmentdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("adjustment.service"),
		clock:      p.Clock,
		cfg:        p.Cfg,
		auditSvc:   p.AuditSvc,
		obsMetrics: p.ObsMetrics,
		worker:     obsmetrics.Worker(),
	}
}

func (s *Service) Propose(ctx context.Context, req adjustmentdomain.ProposeRequest) (*adjustmentdomain.Adjustment, error) {
	entry, err := s.buildEntry(req, adjustmentdomain.StatusPending)
	if err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, err
	}

	s.afterCreate(ctx, entry)
	return entry, nil
}

// ProposeSystem records a machine-proposed entry. Entries tied to a source
// event coalesce on that key so replayed recomputations stay idempotent.
func (s *Service) ProposeSystem(ctx context.Context, req adjustmentdomain.ProposeSystemRequest) (*adjustmentdomain.Adjustment, error) {
	status := adjustmentdomain.StatusPending
	if s.cfg.AutoApproveSystemAdjustments {
		status = adjustmentdomain.StatusApproved
	}

	entry, err := s.buildEntry(req.ProposeRequest, status)
	if err != nil {
		return nil, err
	}
	entry.SourceEventKey = normalizePointer(req.SourceEventKey)
	if status == adjustmentdomain.StatusApproved {
		actor := entry.Actor
		now := s.clock.Now()
		entry.ApprovedBy = &actor
		entry.ApprovedAt = &now
	}

	stmt := s.db.WithContext(ctx)
	if entry.SourceEventKey != nil {
		stmt = stmt.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source_event_key"}},
			DoNothing: true,
		})
	}
	result := stmt.Create(entry)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 && entry.SourceEventKey != nil {
		return s.findBySourceEventKey(ctx, *entry.SourceEventKey)
	}

	s.afterCreate(ctx, entry)
	return entry, nil
}

// Approve moves a pending entry into the billable set. Approving an already
// approved entry is a no-op.
func (s *Service) Approve(ctx context.Context, id uuid.UUID, approvedBy string) (*adjustmentdomain.Adjustment, error) {
	approvedBy = strings.TrimSpace(approvedBy)
	if approvedBy == "" {
		return nil, adjustmentdomain.ErrInvalidActor
	}

	var approved *adjustmentdomain.Adjustment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		switch entry.Status {
		case adjustmentdomain.StatusApproved:
			approved = entry
			return nil
		case adjustmentdomain.StatusReverted:
			return adjustmentdomain.ErrAlreadyReverted
		}

		now := s.clock.Now()
		entry.Status = adjustmentdomain.StatusApproved
		entry.ApprovedBy = &approvedBy
		entry.ApprovedAt = &now
		entry.UpdatedAt = now
		if err := tx.WithContext(ctx).Save(entry).Error; err != nil {
			return err
		}
		approved = entry
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, approved, "adjustment.approve", approvedBy)
	return approved, nil
}

// Revert retires an approved entry and books a linked approved reversal with
// the negated delta in the same transaction.
func (s *Service) Revert(ctx context.Context, id uuid.UUID, revertedBy string) (*adjustmentdomain.Adjustment, error) {
	revertedBy = strings.TrimSpace(revertedBy)
	if revertedBy == "" {
		return nil, adjustmentdomain.ErrInvalidActor
	}

	var reversal *adjustmentdomain.Adjustment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		switch entry.Status {
		case adjustmentdomain.StatusPending:
			return adjustmentdomain.ErrNotApproved
		case adjustmentdomain.StatusReverted:
			return adjustmentdomain.ErrAlreadyReverted
		}

		now := s.clock.Now()
		entry.Status = adjustmentdomain.StatusReverted
		entry.RevertedBy = &revertedBy
		entry.RevertedAt = &now
		entry.UpdatedAt = now
		if err := tx.WithContext(ctx).Save(entry).Error; err != nil {
			return err
		}

		parentID := entry.ID
		reversal = &adjustmentdomain.Adjustment{
			ID:                 uuid.New(),
			TenantID:           entry.TenantID,
			MetricCode:         entry.MetricCode,
			CustomerID:         entry.CustomerID,
			PeriodStart:        entry.PeriodStart,
			Delta:              entry.Delta.Neg(),
			Reason:             entry.Reason,
			Actor:              revertedBy,
			Status:             adjustmentdomain.StatusApproved,
			ParentAdjustmentID: &parentID,
			ApprovedBy:         &revertedBy,
			ApprovedAt:         &now,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		return tx.WithContext(ctx).Create(reversal).Error
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, reversal, "adjustment.revert", revertedBy)
	s.afterCreate(ctx, reversal)
	return reversal, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*adjustmentdomain.Adjustment, error) {
	return s.get(ctx, s.db, id)
}

func (s *Service) ListByCounter(ctx context.Context, key adjustmentdomain.CounterKey) ([]adjustmentdomain.Adjustment, error) {
	var entries []adjustmentdomain.Adjustment
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND metric_code = ? AND customer_id = ? AND period_start = ?",
			key.TenantID, key.MetricCode, key.CustomerID, key.PeriodStart.UTC()).
		Order("created_at asc, id asc").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// SumApproved folds the approved entries for one counter. Pending and
// reverted rows never contribute.
func (s *Service) SumApproved(ctx context.Context, key adjustmentdomain.CounterKey) (decimal.Decimal, error) {
	var entries []adjustmentdomain.Adjustment
	err := s.db.WithContext(ctx).
		Select("delta").
		Where("tenant_id = ? AND metric_code = ? AND customer_id = ? AND period_start = ? AND status = ?",
			key.TenantID, key.MetricCode, key.CustomerID, key.PeriodStart.UTC(),
			adjustmentdomain.StatusApproved).
		Find(&entries).Error
	if err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for _, entry := range entries {
		total = total.Add(entry.Delta)
	}
	return total, nil
}

func (s *Service) get(ctx context.Context, db *gorm.DB, id uuid.UUID) (*adjustmentdomain.Adjustment, error) {
	var entry adjustmentdomain.Adjustment
	err := db.WithContext(ctx).Where("id = ?", id).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, adjustmentdomain.ErrNotFound
		}
		return nil, err
	}
	return &entry, nil
}

func (s *Service) findBySourceEventKey(ctx context.Context, key string) (*adjustmentdomain.Adjustment, error) {
	var entry adjustmentdomain.Adjustment
	err := s.db.WithContext(ctx).Where("source_event_key = ?", key).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, adjustmentdomain.ErrNotFound
		}
		return nil, err
	}
	return &entry, nil
}

func (s *Service) buildEntry(req adjustmentdomain.ProposeRequest, status adjustmentdomain.Status) (*adjustmentdomain.Adjustment, error) {
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		return nil, adjustmentdomain.ErrInvalidTenant
	}
	metricCode := strings.TrimSpace(req.MetricCode)
	if metricCode == "" {
		return nil, adjustmentdomain.ErrInvalidMetricCode
	}
	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		return nil, adjustmentdomain.ErrInvalidCustomer
	}
	if req.PeriodStart.IsZero() {
		return nil, adjustmentdomain.ErrInvalidPeriod
	}
	if req.Delta.IsZero() {
		return nil, adjustmentdomain.ErrInvalidDelta
	}
	reason, err := adjustmentdomain.ParseReason(string(req.Reason))
	if err != nil {
		return nil, err
	}
	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		return nil, adjustmentdomain.ErrInvalidActor
	}

	now := s.clock.Now()
	return &adjustmentdomain.Adjustment{
		ID:          uuid.New(),
		TenantID:    tenantID,
		MetricCode:  metricCode,
		CustomerID:  customerID,
		PeriodStart: req.PeriodStart.UTC(),
		Delta:       req.Delta,
		Reason:      reason,
		Actor:       actor,
		Status:      status,
		Note:        normalizePointer(req.Note),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (s *Service) afterCreate(ctx context.Context, entry *adjustmentdomain.Adjustment) {
	if entry == nil {
		return
	}
	s.worker.IncAdjustmentCreated(string(entry.Reason), string(entry.Status))
	if s.obsMetrics != nil {
		s.obsMetrics.RecordAdjustment(ctx, string(entry.Reason))
	}
	s.recordAudit(ctx, entry, "adjustment.create", entry.Actor)
}

func (s *Service) recordAudit(ctx context.Context, entry *adjustmentdomain.Adjustment, action, actor string) {
	if s.auditSvc == nil || entry == nil {
		return
	}
	actorType := string(auditdomain.ActorTypeUser)
	if strings.HasPrefix(actor, "system:") {
		actorType = string(auditdomain.ActorTypeSystem)
	}
	targetID := entry.ID.String()
	if err := s.auditSvc.Record(ctx, entry.TenantID, actorType, &actor, action, "adjustment", &targetID, map[string]any{
		"metric_code":  entry.MetricCode,
		"customer_id":  entry.CustomerID,
		"period_start": entry.PeriodStart.Format(time.RFC3339),
		"delta":        entry.Delta.String(),
		"reason":       string(entry.Reason),
		"status":       string(entry.Status),
	}); err != nil {
		s.log.Warn("audit write failed", zap.String("action", action), zap.Error(err))
	}
}

func normalizePointer(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
