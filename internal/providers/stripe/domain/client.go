package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// PushUsageRequest reports one usage delta against a subscription item.
// TestMode routes the call through the test-mode key for shadow targets.
type PushUsageRequest struct {
	AccountID          string
	SubscriptionItemID string
	Quantity           int64
	Timestamp          time.Time
	IdempotencyKey     string
	TestMode           bool
}

type PushUsageResult struct {
	UsageRecordID string
	Quantity      int64
}

// Client is the billing-platform surface the writer and reconciler depend
// on. Implementations map transport failures to the sentinel errors below so
// retry policy stays provider-agnostic.
type Client interface {
	PushUsage(ctx context.Context, req PushUsageRequest) (*PushUsageResult, error)
	TotalUsage(ctx context.Context, accountID, subscriptionItemID string) (decimal.Decimal, error)
}

var (
	ErrRateLimited   = errors.New("stripe_rate_limited")
	ErrServerError   = errors.New("stripe_server_error")
	ErrNotConfigured = errors.New("stripe_not_configured")
	ErrInvalidItem   = errors.New("stripe_invalid_subscription_item")
)
