package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Reason string

const (
	ReasonBackfill   Reason = "backfill"
	ReasonCorrection Reason = "correction"
	ReasonPromo      Reason = "promo"
	ReasonCredit     Reason = "credit"
	ReasonManual     Reason = "manual"
)

func ParseReason(raw string) (Reason, error) {
	switch Reason(raw) {
	case ReasonBackfill, ReasonCorrection, ReasonPromo, ReasonCredit, ReasonManual:
		return Reason(raw), nil
	default:
		return "", ErrInvalidReason
	}
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusReverted Status = "reverted"
)

// System actors stamped on machine-proposed adjustments.
const (
	ActorLateEvent      = "system:late-event"
	ActorReconciliation = "system:reconciliation"
)

// Adjustment is one signed ledger entry against a counter. Rows are never
// rewritten after approval; undo happens through a linked reversal entry.
type Adjustment struct {
	ID          uuid.UUID       `gorm:"type:uuid;primaryKey"`
	TenantID    string          `gorm:"not null;index:idx_adjustments_counter"`
	MetricCode  string          `gorm:"type:text;not null;index:idx_adjustments_counter"`
	CustomerID  string          `gorm:"not null;index:idx_adjustments_counter"`
	PeriodStart time.Time       `gorm:"not null;index:idx_adjustments_counter"`
	Delta       decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	Reason      Reason          `gorm:"type:text;not null"`
	Actor       string          `gorm:"type:text;not null"`
	Status      Status          `gorm:"type:text;not null;default:pending"`

	ParentAdjustmentID *uuid.UUID `gorm:"type:uuid"`
	SourceEventKey     *string    `gorm:"type:text;uniqueIndex:idx_adjustments_source_event"`

	ApprovedBy *string    `gorm:"type:text"`
	ApprovedAt *time.Time
	RevertedBy *string    `gorm:"type:text"`
	RevertedAt *time.Time
	Note       *string    `gorm:"type:text"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Adjustment) TableName() string { return "adjustments" }

// CounterKey identifies the counter an adjustment applies to.
type CounterKey struct {
	TenantID    string
	MetricCode  string
	CustomerID  string
	PeriodStart time.Time
}

type ProposeRequest struct {
	TenantID    string
	MetricCode  string
	CustomerID  string
	PeriodStart time.Time
	Delta       decimal.Decimal
	Reason      Reason
	Actor       string
	Note        *string
}

// ProposeSystemRequest carries the source event key so late-event backfills
// stay one-per-event under replays.
type ProposeSystemRequest struct {
	ProposeRequest
	SourceEventKey *string
}

type Service interface {
	Propose(ctx context.Context, req ProposeRequest) (*Adjustment, error)
	ProposeSystem(ctx context.Context, req ProposeSystemRequest) (*Adjustment, error)
	Approve(ctx context.Context, id uuid.UUID, approvedBy string) (*Adjustment, error)
	Revert(ctx context.Context, id uuid.UUID, revertedBy string) (*Adjustment, error)
	Get(ctx context.Context, id uuid.UUID) (*Adjustment, error)
	ListByCounter(ctx context.Context, key CounterKey) ([]Adjustment, error)
	SumApproved(ctx context.Context, key CounterKey) (decimal.Decimal, error)
}

var (
	ErrInvalidTenant     = errors.New("invalid_tenant")
	ErrInvalidMetricCode = errors.New("invalid_metric_code")
	ErrInvalidCustomer   = errors.New("invalid_customer")
	ErrInvalidPeriod     = errors.New("invalid_period")
	ErrInvalidDelta      = errors.New("invalid_delta")
	ErrInvalidReason     = errors.New("invalid_reason")
	ErrInvalidActor      = errors.New("invalid_actor")
	ErrNotFound          = errors.New("adjustment_not_found")
	ErrNotApproved       = errors.New("adjustment_not_approved")
	ErrAlreadyReverted   = errors.New("adjustment_already_reverted")
)
