package queue

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryQueue keeps scheduled jobs in process memory. It backs single-node
// deployments and tests.
type MemoryQueue struct {
	mu   sync.Mutex
	jobs map[string]Job
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{jobs: make(map[string]Job)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) (bool, error) {
	_ = ctx
	if strings.TrimSpace(job.ID) == "" {
		return false, ErrInvalidJobID
	}
	if strings.TrimSpace(job.Kind) == "" {
		return false, ErrInvalidJobKind
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.jobs[job.ID]; exists {
		return false, nil
	}
	q.jobs[job.ID] = job
	return true, nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	_ = ctx
	if limit <= 0 {
		limit = 100
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	due := make([]Job, 0, limit)
	for _, job := range q.jobs {
		if job.RunAt.After(now) {
			continue
		}
		due = append(due, job)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].RunAt.Equal(due[j].RunAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].RunAt.Before(due[j].RunAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	for _, job := range due {
		delete(q.jobs, job.ID)
	}
	return due, nil
}
