package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/metersync/pkg/period"
	"gorm.io/gorm"
)

// Counter is the aggregated usage state for one tenant, metric, customer,
// and billing period. It is always recomputed as a whole and written as a
// single row.
type Counter struct {
	TenantID    string      `gorm:"primaryKey"`
	MetricCode  string      `gorm:"primaryKey"`
	CustomerID  string      `gorm:"primaryKey"`
	PeriodStart time.Time   `gorm:"primaryKey"`
	PeriodType  period.Type `gorm:"type:text;not null;default:monthly"`

	AggSum     decimal.Decimal `gorm:"type:numeric(20,6);not null;default:0"`
	AggMax     decimal.Decimal `gorm:"type:numeric(20,6);not null;default:0"`
	AggLast    decimal.Decimal `gorm:"type:numeric(20,6);not null;default:0"`
	EventCount int64           `gorm:"not null;default:0"`

	Watermark *time.Time
	UpdatedAt time.Time `gorm:"not null"`
}

func (Counter) TableName() string { return "counters" }

// Key identifies one counter row.
type Key struct {
	TenantID    string
	MetricCode  string
	CustomerID  string
	PeriodStart time.Time
}

// CacheKey is the redis key for the counter's JSON mirror.
func (k Key) CacheKey() string {
	return fmt.Sprintf("counter:%s:%s:%s:%s",
		k.TenantID, k.MetricCode, k.CustomerID,
		k.PeriodStart.UTC().Format("2006-01-02"),
	)
}

func (c Counter) Key() Key {
	return Key{
		TenantID:    c.TenantID,
		MetricCode:  c.MetricCode,
		CustomerID:  c.CustomerID,
		PeriodStart: c.PeriodStart,
	}
}

type Repository interface {
	Upsert(ctx context.Context, db *gorm.DB, counter *Counter) error
	Get(ctx context.Context, db *gorm.DB, key Key) (*Counter, error)
	ListByMetricPeriod(ctx context.Context, db *gorm.DB, tenantID, metricCode string, periodStart time.Time) ([]Counter, error)
	ListByTenantPeriod(ctx context.Context, db *gorm.DB, tenantID string, periodStart time.Time) ([]Counter, error)
}

var ErrCounterNotFound = errors.New("counter_not_found")
