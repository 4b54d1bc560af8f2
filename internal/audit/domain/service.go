package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/metersync/pkg/db/pagination"
)

type ListAuditLogRequest struct {
	pagination.Pagination
	TenantID   string
	Action     string
	TargetType string
	TargetID   string
	ActorType  string
	StartAt    *time.Time
	EndAt      *time.Time
}

type ListAuditLogResponse struct {
	pagination.PageInfo
	AuditLogs []AuditLog `json:"audit_logs"`
}

type Service interface {
	Record(ctx context.Context, tenantID, actorType string, actorID *string, action, targetType string, targetID *string, metadata map[string]any) error
	List(ctx context.Context, req ListAuditLogRequest) (ListAuditLogResponse, error)
}

var (
	ErrInvalidTenant    = errors.New("invalid_tenant")
	ErrInvalidPageToken = errors.New("invalid_page_token")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
	ErrInvalidAction    = errors.New("invalid_action")
)
