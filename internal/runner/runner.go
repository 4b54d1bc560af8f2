package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/metersync/internal/aggregator"
	"github.com/smallbiznis/metersync/internal/clock"
	"github.com/smallbiznis/metersync/internal/config"
	obsmetrics "github.com/smallbiznis/metersync/internal/observability/metrics"
	"github.com/smallbiznis/metersync/internal/queue"
	"github.com/smallbiznis/metersync/internal/reconciler"
	"github.com/smallbiznis/metersync/internal/writer"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobWriterSweep = "writer_sweep"
	JobReconcile   = "reconcile"

	writerSweepTimeout = 5 * time.Minute
	reconcileTimeout   = 30 * time.Minute
)

type Params struct {
	fx.In

	Log           *zap.Logger
	Clock         clock.Clock
	Cfg           config.Config
	Queue         queue.Queue
	AggregatorSvc *aggregator.Service
	WriterSvc     *writer.Service
	ReconcilerSvc *reconciler.Service
}

// Runner drives the background jobs: the queue consumer for aggregation, the
// usage push sweep, and reconciliation. Each job runs on its own interval.
type Runner struct {
	log           *zap.Logger
	clock         clock.Clock
	cfg           config.Config
	consumer      *queue.Consumer
	writerSvc     *writer.Service
	reconcilerSvc *reconciler.Service
}

func New(p Params) *Runner {
	consumer := queue.NewConsumer(p.Queue, p.Log, p.Cfg.WorkerConcurrency)
	consumer.Handle(queue.KindAggregate, p.AggregatorSvc.HandleJob)

	return &Runner{
		log:           p.Log.Named("runner").With(zap.String("component", "runner")),
		clock:         p.Clock,
		cfg:           p.Cfg,
		consumer:      consumer,
		writerSvc:     p.WriterSvc,
		reconcilerSvc: p.ReconcilerSvc,
	}
}

// RunForever blocks until ctx is cancelled.
func (r *Runner) RunForever(ctx context.Context) {
	go r.consumer.Run(ctx)

	if r.isJobEnabled(JobWriterSweep) {
		go r.runLoop(ctx, JobWriterSweep, r.cfg.WriterInterval, writerSweepTimeout, r.WriterSweepJob)
	}
	if r.isJobEnabled(JobReconcile) {
		go r.runLoop(ctx, JobReconcile, r.cfg.ReconciliationInterval, reconcileTimeout, r.ReconcileJob)
	}

	<-ctx.Done()
}

// RunOnce executes every enabled job a single time.
func (r *Runner) RunOnce(ctx context.Context) error {
	var err error
	if r.isJobEnabled(JobWriterSweep) {
		err = errors.Join(err, r.runJob(ctx, JobWriterSweep, writerSweepTimeout, r.WriterSweepJob))
	}
	if r.isJobEnabled(JobReconcile) {
		err = errors.Join(err, r.runJob(ctx, JobReconcile, reconcileTimeout, r.ReconcileJob))
	}
	return err
}

func (r *Runner) WriterSweepJob(ctx context.Context) error {
	err := r.writerSvc.Sweep(ctx)
	if errors.Is(err, writer.ErrSweepInProgress) {
		return nil
	}
	return err
}

func (r *Runner) ReconcileJob(ctx context.Context) error {
	err := r.reconcilerSvc.Run(ctx)
	if errors.Is(err, reconciler.ErrRunInProgress) {
		return nil
	}
	return err
}

func (r *Runner) runLoop(ctx context.Context, name string, interval, timeout time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	nextRun := r.clock.Now().Add(interval)
	worker := obsmetrics.Worker()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		runLag := r.clock.Now().Sub(nextRun)
		if runLag > 0 {
			worker.ObserveRunLoopLag(runLag)
		}
		if err := r.runJob(ctx, name, timeout, fn); err != nil {
			r.log.Warn("job run failed", zap.String("job", name), zap.Error(err))
		}
		nextRun = nextRun.Add(interval)
	}
}

func (r *Runner) runJob(parent context.Context, name string, timeout time.Duration, fn func(context.Context) error) error {
	start := r.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	worker := obsmetrics.Worker()
	worker.IncJobRun(name)

	err := fn(ctx)
	worker.ObserveJobDuration(name, time.Since(start))
	if err == nil {
		return nil
	}

	// Deadline is a soft timeout: log and let the next tick resume the work.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		worker.IncJobTimeout(name)
	}
	worker.IncJobError(name, err)
	if isTimeout {
		r.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (r *Runner) isJobEnabled(jobName string) bool {
	// Empty EnabledJobs enables everything (monolith mode).
	if len(r.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range r.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}
