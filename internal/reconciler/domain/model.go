package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusOK          Status = "ok"
	StatusInvestigate Status = "investigate"
	StatusFailed      Status = "failed"
)

// ReconciliationReport records one comparison of local aggregated usage
// against the billing platform's view. A row is written for every item on
// every run, drifted or not, so audits can prove the comparison happened.
type ReconciliationReport struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID           string    `gorm:"not null;index:idx_reconciliation_reports_tenant"`
	MetricCode         string    `gorm:"type:text;not null"`
	SubscriptionItemID string    `gorm:"type:text;not null"`
	PeriodStart        time.Time `gorm:"not null"`

	LocalTotal  decimal.Decimal `gorm:"type:numeric(20,6);not null;default:0"`
	RemoteTotal decimal.Decimal `gorm:"type:numeric(20,6);not null;default:0"`
	Diff        decimal.Decimal `gorm:"type:numeric(20,6);not null;default:0"`
	DriftPct    float64         `gorm:"not null;default:0"`

	Status          Status  `gorm:"type:text;not null"`
	CorrectionCount int     `gorm:"not null;default:0"`
	Error           *string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"not null;index:idx_reconciliation_reports_tenant"`
}

func (ReconciliationReport) TableName() string { return "reconciliation_reports" }
