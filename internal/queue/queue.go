package queue

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
)

const KindAggregate = "aggregate"

// Job is a unit of deferred work. Jobs with the same ID coalesce: a second
// enqueue before the first is handled is a no-op.
type Job struct {
	ID      string
	Kind    string
	Payload datatypes.JSONMap
	RunAt   time.Time
}

// Queue schedules jobs for later execution. Enqueue reports whether the job
// was newly scheduled; false means an identical job is already pending.
type Queue interface {
	Enqueue(ctx context.Context, job Job) (bool, error)
	Dequeue(ctx context.Context, now time.Time, limit int) ([]Job, error)
}

var (
	ErrInvalidJobID   = errors.New("invalid_job_id")
	ErrInvalidJobKind = errors.New("invalid_job_kind")
)
