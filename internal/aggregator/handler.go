package aggregator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/metersync/internal/queue"
	"github.com/smallbiznis/metersync/pkg/period"
)

var errMalformedJob = errors.New("malformed aggregation job")

// HandleJob is the queue handler for aggregation jobs. Recomputation is a
// full rebuild, so duplicate delivery of the same job is harmless.
func (s *Service) HandleJob(ctx context.Context, job queue.Job) error {
	key, err := keyFromJob(job)
	if err != nil {
		// Malformed jobs cannot succeed on retry.
		s.log.Error("dropping malformed aggregation job")
		return nil
	}
	return s.Recompute(ctx, key)
}

func keyFromJob(job queue.Job) (Key, error) {
	tenantID := payloadString(job, "tenant_id")
	metricCode := payloadString(job, "metric_code")
	customerID := payloadString(job, "customer_id")
	rawStart := payloadString(job, "period_start")
	if tenantID == "" || metricCode == "" || customerID == "" || rawStart == "" {
		return Key{}, errMalformedJob
	}

	periodStart, err := time.Parse(time.RFC3339, rawStart)
	if err != nil {
		return Key{}, errMalformedJob
	}
	periodType, err := period.Parse(payloadString(job, "period_type"))
	if err != nil {
		return Key{}, errMalformedJob
	}

	return Key{
		TenantID:    tenantID,
		MetricCode:  metricCode,
		CustomerID:  customerID,
		PeriodStart: periodStart.UTC(),
		PeriodType:  periodType,
	}, nil
}

func payloadString(job queue.Job, key string) string {
	raw, ok := job.Payload[key]
	if !ok {
		return ""
	}
	value, ok := raw.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}
