// Package domain contains persistence models for raw usage ingestion.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// UsageEvent stores a single unit of metered activity. The idempotency key
// is unique per tenant; replays never produce a second row.
type UsageEvent struct {
	ID             snowflake.ID    `gorm:"primaryKey"`
	TenantID       string          `gorm:"not null;uniqueIndex:idx_usage_events_tenant_key"`
	IdempotencyKey string          `gorm:"type:text;not null;uniqueIndex:idx_usage_events_tenant_key"`
	MetricCode     string          `gorm:"type:text;not null;index:idx_usage_events_counter"`
	CustomerID     string          `gorm:"not null;index:idx_usage_events_counter"`
	ResourceID     *string         `gorm:"type:text"`
	Quantity       decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	OccurredAt     time.Time       `gorm:"not null;index"`
	ReceivedAt     time.Time       `gorm:"not null"`
	Metadata       datatypes.JSONMap
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "usage_events" }
