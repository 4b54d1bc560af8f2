package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/metersync/pkg/db/pagination"
)

// IngestResult classifies the outcome of an ingest call.
type IngestResult string

const (
	ResultAccepted  IngestResult = "accepted"
	ResultDuplicate IngestResult = "duplicate"
)

type IngestRequest struct {
	TenantID       string          `json:"tenant_id"`
	MetricCode     string          `json:"metric_code"`
	CustomerID     string          `json:"customer_id"`
	ResourceID     *string         `json:"resource_id,omitempty"`
	Quantity       decimal.Decimal `json:"quantity"`
	OccurredAt     time.Time       `json:"occurred_at"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
}

// BatchItemError reports a validation failure for one batch entry.
type BatchItemError struct {
	Index int   `json:"index"`
	Err   error `json:"error"`
}

type BatchResult struct {
	Accepted   int              `json:"accepted"`
	Duplicates int              `json:"duplicates"`
	Errors     []BatchItemError `json:"errors,omitempty"`
}

type ListUsageRequest struct {
	TenantID   string     `json:"tenant_id"`
	MetricCode string     `json:"metric_code"`
	CustomerID string     `json:"customer_id"`
	From       *time.Time `json:"from,omitempty"`
	To         *time.Time `json:"to,omitempty"`
	PageToken  string     `json:"page_token"`
	PageSize   int32      `json:"page_size"`
}

type ListUsageResponse struct {
	pagination.PageInfo
	UsageEvents []UsageEvent `json:"usage_events"`
}

type Service interface {
	Ingest(ctx context.Context, req IngestRequest) (*UsageEvent, IngestResult, error)
	IngestBatch(ctx context.Context, reqs []IngestRequest) (BatchResult, error)
	List(ctx context.Context, req ListUsageRequest) (ListUsageResponse, error)
}

var (
	ErrInvalidTenant     = errors.New("invalid_tenant")
	ErrInvalidCustomer   = errors.New("invalid_customer")
	ErrInvalidMetricCode = errors.New("invalid_metric_code")
	ErrInvalidQuantity   = errors.New("invalid_quantity")
	ErrInvalidOccurredAt = errors.New("invalid_occurred_at")
	ErrInvalidPageToken  = errors.New("invalid_page_token")
	ErrRateLimited       = errors.New("rate_limited")
)
