package queue

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPollInterval = time.Second
	defaultBatchSize    = 100
	defaultMaxAttempts  = 5
	retryBaseDelay      = 2 * time.Second
	retryMaxDelay       = 2 * time.Minute
)

// HandlerFunc processes one job. A returned error schedules a retry with
// exponential delay up to the attempt limit.
type HandlerFunc func(ctx context.Context, job Job) error

// Consumer polls the queue and dispatches due jobs to registered handlers
// with bounded concurrency.
type Consumer struct {
	queue       Queue
	log         *zap.Logger
	handlers    map[string]HandlerFunc
	concurrency int

	pollInterval time.Duration
	batchSize    int
	maxAttempts  int
}

func NewConsumer(q Queue, log *zap.Logger, concurrency int) *Consumer {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Consumer{
		queue:        q,
		log:          log.Named("queue.consumer"),
		handlers:     make(map[string]HandlerFunc),
		concurrency:  concurrency,
		pollInterval: defaultPollInterval,
		batchSize:    defaultBatchSize,
		maxAttempts:  defaultMaxAttempts,
	}
}

// Handle registers the handler for a job kind. Jobs of unregistered kinds
// are dropped with a warning.
func (c *Consumer) Handle(kind string, handler HandlerFunc) {
	c.handlers[kind] = handler
}

// Run polls until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.drain(ctx)
		}
	}
}

func (c *Consumer) drain(ctx context.Context) {
	jobs, err := c.queue.Dequeue(ctx, time.Now().UTC(), c.batchSize)
	if err != nil {
		c.log.Warn("dequeue failed", zap.Error(err))
		return
	}
	if len(jobs) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			c.dispatch(gctx, job)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Consumer) dispatch(ctx context.Context, job Job) {
	handler, ok := c.handlers[job.Kind]
	if !ok {
		c.log.Warn("no handler for job kind", zap.String("kind", job.Kind), zap.String("job_id", job.ID))
		return
	}

	if err := handler(ctx, job); err != nil {
		c.retry(ctx, job, err)
	}
}

func (c *Consumer) retry(ctx context.Context, job Job, cause error) {
	attempt := jobAttempt(job) + 1
	if attempt >= c.maxAttempts {
		c.log.Error("job exhausted retries",
			zap.String("job_id", job.ID),
			zap.Int("attempts", attempt),
			zap.Error(cause),
		)
		return
	}

	delay := retryBaseDelay << (attempt - 1)
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}

	if job.Payload == nil {
		job.Payload = map[string]any{}
	}
	job.Payload["attempt"] = attempt
	job.RunAt = time.Now().UTC().Add(delay)

	if _, err := c.queue.Enqueue(ctx, job); err != nil {
		c.log.Error("failed to reschedule job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	c.log.Warn("job rescheduled",
		zap.String("job_id", job.ID),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)
}

func jobAttempt(job Job) int {
	raw, ok := job.Payload["attempt"]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
