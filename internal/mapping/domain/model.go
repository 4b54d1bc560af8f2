package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	counterdomain "github.com/smallbiznis/metersync/internal/counter/domain"
	"github.com/smallbiznis/metersync/pkg/period"
	"gorm.io/gorm"
)

// Aggregation selects how counter state collapses into a billable total.
type Aggregation string

const (
	AggregationSum   Aggregation = "sum"
	AggregationCount Aggregation = "count"
	AggregationMax   Aggregation = "max"
	AggregationLast  Aggregation = "last"
)

func ParseAggregation(raw string) (Aggregation, error) {
	switch Aggregation(raw) {
	case AggregationSum, AggregationCount, AggregationMax, AggregationLast:
		return Aggregation(raw), nil
	case "":
		return AggregationSum, nil
	default:
		return "", ErrInvalidAggregation
	}
}

// TotalOf collapses a counter into the billable total for this aggregation.
func (a Aggregation) TotalOf(c *counterdomain.Counter) decimal.Decimal {
	if c == nil {
		return decimal.Zero
	}
	switch a {
	case AggregationCount:
		return decimal.NewFromInt(c.EventCount)
	case AggregationMax:
		return c.AggMax
	case AggregationLast:
		return c.AggLast
	default:
		return c.AggSum
	}
}

// PriceMapping binds a metric to a billing target. Shadow targets receive
// simulated pushes through the test-mode client and never touch write logs.
type PriceMapping struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID   string    `gorm:"index:idx_price_mappings_tenant_metric,unique;not null"`
	MetricCode string    `gorm:"index:idx_price_mappings_tenant_metric,unique;not null"`

	StripeAccountID          string  `gorm:"not null"`
	StripePriceID            *string `gorm:"type:text"`
	StripeSubscriptionItemID *string `gorm:"type:text"`

	Aggregation Aggregation `gorm:"type:text;not null;default:sum"`
	PeriodType  period.Type `gorm:"type:text;not null;default:monthly"`

	Shadow                   bool    `gorm:"not null;default:false"`
	ShadowStripeAccountID    *string `gorm:"type:text"`
	ShadowPriceID            *string `gorm:"type:text"`
	ShadowSubscriptionItemID *string `gorm:"type:text"`

	Active    bool      `gorm:"not null;default:true"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (PriceMapping) TableName() string { return "price_mappings" }

// Bound reports whether the mapping can receive live pushes.
func (m PriceMapping) Bound() bool {
	return m.StripeSubscriptionItemID != nil && *m.StripeSubscriptionItemID != ""
}

// ShadowBound reports whether the mapping has a complete shadow target.
func (m PriceMapping) ShadowBound() bool {
	return m.Shadow &&
		m.ShadowSubscriptionItemID != nil && *m.ShadowSubscriptionItemID != ""
}

type Repository interface {
	Upsert(ctx context.Context, db *gorm.DB, mapping *PriceMapping) error
	GetByMetric(ctx context.Context, db *gorm.DB, tenantID, metricCode string) (*PriceMapping, error)
	ListActive(ctx context.Context, db *gorm.DB) ([]PriceMapping, error)
	ListActiveBound(ctx context.Context, db *gorm.DB) ([]PriceMapping, error)
}

type Service interface {
	Upsert(ctx context.Context, mapping PriceMapping) (*PriceMapping, error)
	GetByMetric(ctx context.Context, tenantID, metricCode string) (*PriceMapping, error)
	ListActive(ctx context.Context) ([]PriceMapping, error)
	ListActiveBound(ctx context.Context) ([]PriceMapping, error)
}

var (
	ErrInvalidTenant      = errors.New("invalid_tenant")
	ErrInvalidMetricCode  = errors.New("invalid_metric_code")
	ErrInvalidAccount     = errors.New("invalid_stripe_account")
	ErrInvalidAggregation = errors.New("invalid_aggregation")
	ErrMappingNotFound    = errors.New("mapping_not_found")
)
