package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/smallbiznis/metersync/internal/audit/domain"
	"github.com/smallbiznis/metersync/internal/audit/repository"
	"github.com/smallbiznis/metersync/pkg/db/pagination"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newAuditTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:audit_%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&auditdomain.AuditLog{}))

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	svc := &Service{
		db:    db,
		log:   zap.NewNop(),
		genID: node,
		repo:  repository.Provide(),
	}
	return svc, db
}

func TestRecordPersistsEntry(t *testing.T) {
	svc, db := newAuditTestService(t)
	actor := "ops@example.com"
	target := "adj_1"

	err := svc.Record(context.Background(), "t1", "user", &actor,
		"adjustment.approve", "adjustment", &target,
		map[string]any{"delta": "3.5"})
	require.NoError(t, err)

	var entry auditdomain.AuditLog
	require.NoError(t, db.First(&entry).Error)
	require.Equal(t, "t1", entry.TenantID)
	require.Equal(t, "adjustment.approve", entry.Action)
	require.Equal(t, "adjustment", entry.TargetType)
	require.Equal(t, "3.5", entry.Metadata["delta"])
}

func TestRecordMasksSensitiveMetadata(t *testing.T) {
	svc, db := newAuditTestService(t)

	err := svc.Record(context.Background(), "t1", "system", nil,
		"mapping.update", "price_mapping", nil,
		map[string]any{
			"stripe_api_key": "sk_live_abcdef123456",
			"metric_code":    "api_calls",
		})
	require.NoError(t, err)

	var entry auditdomain.AuditLog
	require.NoError(t, db.First(&entry).Error)
	masked, _ := entry.Metadata["stripe_api_key"].(string)
	require.NotContains(t, masked, "abcdef12")
	require.Contains(t, masked, "****")
	require.Equal(t, "api_calls", entry.Metadata["metric_code"])
}

func TestRecordValidation(t *testing.T) {
	svc, _ := newAuditTestService(t)

	err := svc.Record(context.Background(), " ", "user", nil, "x", "y", nil, nil)
	require.ErrorIs(t, err, auditdomain.ErrInvalidTenant)

	err = svc.Record(context.Background(), "t1", "user", nil, " ", "y", nil, nil)
	require.ErrorIs(t, err, auditdomain.ErrInvalidAction)
}

func TestListPaginatesByCursor(t *testing.T) {
	svc, _ := newAuditTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.Record(ctx, "t1", "system", nil,
			fmt.Sprintf("job.run.%d", i), "job", nil, nil))
		time.Sleep(2 * time.Millisecond)
	}

	resp, err := svc.List(ctx, auditdomain.ListAuditLogRequest{
		TenantID:   "t1",
		Pagination: pagination.Pagination{PageSize: 3},
	})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 3)
	require.True(t, resp.HasMore)

	resp2, err := svc.List(ctx, auditdomain.ListAuditLogRequest{
		TenantID:   "t1",
		Pagination: pagination.Pagination{PageSize: 3, PageToken: resp.NextPageToken},
	})
	require.NoError(t, err)
	require.Len(t, resp2.AuditLogs, 2)
	require.False(t, resp2.HasMore)
}

func TestListRejectsInvertedTimeRange(t *testing.T) {
	svc, _ := newAuditTestService(t)

	start := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)
	_, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{
		TenantID: "t1",
		StartAt:  &start,
		EndAt:    &end,
	})
	require.ErrorIs(t, err, auditdomain.ErrInvalidTimeRange)
}
