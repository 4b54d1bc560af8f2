package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// WriteLog is the live delivery ledger: the cumulative total already pushed
// for one subscription item and period. Shadow traffic never touches it.
type WriteLog struct {
	TenantID                 string    `gorm:"primaryKey"`
	StripeAccountID          string    `gorm:"primaryKey"`
	StripeSubscriptionItemID string    `gorm:"primaryKey"`
	PeriodStart              time.Time `gorm:"primaryKey"`

	PushedTotal   decimal.Decimal `gorm:"type:numeric(20,6);not null;default:0"`
	LastRequestID *string         `gorm:"type:text"`
	UpdatedAt     time.Time       `gorm:"not null"`
}

func (WriteLog) TableName() string { return "write_logs" }
