package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	stripedomain "github.com/smallbiznis/metersync/internal/providers/stripe/domain"
	"gorm.io/gorm"
)

const (
	WorkerJobReasonDeadlineExceeded = "deadline_exceeded"
	WorkerJobReasonDBLockTimeout    = "db_lock_timeout"
	WorkerJobReasonUniqueViolation  = "unique_violation"
	WorkerJobReasonRateLimited      = "rate_limited"
	WorkerJobReasonProviderError    = "provider_error"
	WorkerJobReasonUnknown          = "unknown"
)

const (
	ReaggregationReasonInitial   = "initial"
	ReaggregationReasonLateEvent = "late_event"
	ReaggregationReasonOnTime    = "on_time"
)

const (
	PushModeLive   = "live"
	PushModeShadow = "shadow"

	PushOutcomePushed  = "pushed"
	PushOutcomeSkipped = "skipped"
	PushOutcomeFailed  = "failed"
)

const (
	ReconcileStatusOK          = "ok"
	ReconcileStatusInvestigate = "investigate"
	ReconcileStatusFailed      = "failed"
)

// WorkerMetrics captures aggregation, delivery, and reconciliation health
// signals.
type WorkerMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobTimeouts    *prometheus.CounterVec
	jobErrors      *prometheus.CounterVec
	runLoopLag     prometheus.Observer
	reaggregations *prometheus.CounterVec
	pushes         *prometheus.CounterVec
	pushRetries    *prometheus.CounterVec
	adjustments    *prometheus.CounterVec
	reconcileRuns  *prometheus.CounterVec
	driftRatio     *prometheus.HistogramVec
}

var (
	workerMetricsOnce sync.Once
	workerMetrics     *WorkerMetrics
)

// Worker returns the singleton worker metrics registry.
func Worker() *WorkerMetrics {
	return WorkerWithConfig(Config{})
}

// WorkerWithConfig returns the singleton worker metrics registry using config labels.
func WorkerWithConfig(cfg Config) *WorkerMetrics {
	workerMetricsOnce.Do(func() {
		workerMetrics = newWorkerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return workerMetrics
}

// ResetWorkerMetricsForTest resets the worker metrics singleton for tests.
func ResetWorkerMetricsForTest() {
	workerMetricsOnce = sync.Once{}
	workerMetrics = nil
}

func newWorkerMetrics(registerer prometheus.Registerer, cfg Config) *WorkerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "metersync"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "metersync_worker_job_runs_total",
		Help:        "Worker job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "metersync_worker_job_duration_seconds",
		Help:        "Worker job latency to protect delivery freshness.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300, 600},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "metersync_worker_job_timeouts_total",
		Help:        "Worker job timeouts that threaten delivery SLAs.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "metersync_worker_job_errors_total",
		Help:        "Worker job errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "metersync_worker_runloop_lag_seconds",
		Help:        "Worker run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	})
	reaggregations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "metersync_reaggregations_total",
		Help:        "Counter recomputations by trigger reason.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	pushes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "metersync_pushes_total",
		Help:        "Usage pushes by delivery mode and outcome.",
		ConstLabels: constLabels,
	}, []string{"mode", "outcome"})
	pushRetries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "metersync_push_retries_total",
		Help:        "Usage push retries by reason.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	adjustments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "metersync_adjustments_created_total",
		Help:        "Ledger adjustments created by reason and status.",
		ConstLabels: constLabels,
	}, []string{"reason", "status"})
	reconcileRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "metersync_reconciliation_items_total",
		Help:        "Reconciled subscription items by classification.",
		ConstLabels: constLabels,
	}, []string{"status"})
	driftRatio := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "metersync_reconciliation_drift_ratio",
		Help:        "Absolute drift ratio between local and provider totals.",
		Buckets:     []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		ConstLabels: constLabels,
	}, []string{"status"})

	registerer.MustRegister(
		jobRuns,
		jobDuration,
		jobTimeouts,
		jobErrors,
		runLoopLag,
		reaggregations,
		pushes,
		pushRetries,
		adjustments,
		reconcileRuns,
		driftRatio,
	)

	return &WorkerMetrics{
		jobRuns:        jobRuns,
		jobDuration:    jobDuration,
		jobTimeouts:    jobTimeouts,
		jobErrors:      jobErrors,
		runLoopLag:     runLoopLag,
		reaggregations: reaggregations,
		pushes:         pushes,
		pushRetries:    pushRetries,
		adjustments:    adjustments,
		reconcileRuns:  reconcileRuns,
		driftRatio:     driftRatio,
	}
}

// IncJobRun increments the run counter for a worker job.
func (m *WorkerMetrics) IncJobRun(job string) {
	if m == nil || m.jobRuns == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

// ObserveJobDuration records worker job latency in seconds.
func (m *WorkerMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil || m.jobDuration == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// IncJobTimeout increments the timeout counter for the worker job.
func (m *WorkerMetrics) IncJobTimeout(job string) {
	if m == nil || m.jobTimeouts == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError increments the worker job error counter with classification.
func (m *WorkerMetrics) IncJobError(job string, err error) {
	if m == nil || m.jobErrors == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyWorkerJobReason(err)).Inc()
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *WorkerMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil || m.runLoopLag == nil {
		return
	}
	lag := duration
	if lag < 0 {
		lag = 0
	}
	m.runLoopLag.Observe(lag.Seconds())
}

// IncReaggregation increments recomputation counts by trigger reason.
func (m *WorkerMetrics) IncReaggregation(reason string) {
	if m == nil || m.reaggregations == nil {
		return
	}
	m.reaggregations.WithLabelValues(reason).Inc()
}

// IncPush increments push counts by mode and outcome.
func (m *WorkerMetrics) IncPush(mode, outcome string) {
	if m == nil || m.pushes == nil {
		return
	}
	m.pushes.WithLabelValues(mode, outcome).Inc()
}

// IncPushRetry increments push retry counts by reason.
func (m *WorkerMetrics) IncPushRetry(err error) {
	if m == nil || m.pushRetries == nil || err == nil {
		return
	}
	m.pushRetries.WithLabelValues(ClassifyWorkerJobReason(err)).Inc()
}

// IncAdjustmentCreated increments adjustment creation counts.
func (m *WorkerMetrics) IncAdjustmentCreated(reason, status string) {
	if m == nil || m.adjustments == nil {
		return
	}
	m.adjustments.WithLabelValues(reason, status).Inc()
}

// IncReconciledItem increments per-item reconciliation counts by classification.
func (m *WorkerMetrics) IncReconciledItem(status string) {
	if m == nil || m.reconcileRuns == nil {
		return
	}
	m.reconcileRuns.WithLabelValues(status).Inc()
}

// ObserveDriftRatio records the absolute drift ratio for a reconciled item.
func (m *WorkerMetrics) ObserveDriftRatio(status string, ratio float64) {
	if m == nil || m.driftRatio == nil {
		return
	}
	if ratio < 0 {
		ratio = -ratio
	}
	m.driftRatio.WithLabelValues(status).Observe(ratio)
}

// ClassifyWorkerJobReason maps worker job errors to low-cardinality reasons.
func ClassifyWorkerJobReason(err error) string {
	if err == nil {
		return WorkerJobReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return WorkerJobReasonDeadlineExceeded
	}
	if errors.Is(err, stripedomain.ErrRateLimited) {
		return WorkerJobReasonRateLimited
	}
	if errors.Is(err, stripedomain.ErrServerError) {
		return WorkerJobReasonProviderError
	}
	if isDBLockTimeout(err) {
		return WorkerJobReasonDBLockTimeout
	}
	if isUniqueViolation(err) {
		return WorkerJobReasonUniqueViolation
	}
	return WorkerJobReasonUnknown
}

func isDBLockTimeout(err error) bool {
	return hasPGCode(err, "55P03")
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return hasPGCode(err, "23505")
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
