package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/courier/internal/db"
)

type jobKey struct {
	notificationID int64
	address        string
}

type memoryEntry struct {
	job         db.DeliveryJob
	receipt     string
	leasedUntil time.Time
}

// MemoryQueue is an in-process Queue for development and tests.
// Jobs are lost on restart.
type MemoryQueue struct {
	mu    sync.Mutex
	jobs  map[jobKey]*memoryEntry
	lease time.Duration
	now   func() time.Time
}

func NewMemoryQueue(lease time.Duration) *MemoryQueue {
	return &MemoryQueue{
		jobs:  make(map[jobKey]*memoryEntry),
		lease: lease,
		now:   time.Now,
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job *db.DeliveryJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := jobKey{job.NotificationID, job.Address}
	if _, ok := q.jobs[key]; ok {
		return nil
	}
	q.jobs[key] = &memoryEntry{job: *job}
	return nil
}

func (q *MemoryQueue) Claim(_ context.Context, limit int) ([]db.ClaimedJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var due []*memoryEntry
	for _, e := range q.jobs {
		if e.job.NotBefore.After(now) || e.leasedUntil.After(now) {
			continue
		}
		due = append(due, e)
	}

	sort.Slice(due, func(i, j int) bool { return due[i].job.NotBefore.Before(due[j].job.NotBefore) })
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]db.ClaimedJob, 0, len(due))
	for _, e := range due {
		e.job.Attempt++
		e.leasedUntil = now.Add(q.lease)
		e.receipt = uuid.NewString()
		claimed = append(claimed, db.ClaimedJob{Job: e.job, Receipt: e.receipt})
	}

	return claimed, nil
}

// Ack removes the job if the receipt still owns its lease
func (q *MemoryQueue) Ack(_ context.Context, c db.ClaimedJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := jobKey{c.Job.NotificationID, c.Job.Address}
	e, ok := q.jobs[key]
	if !ok {
		return nil
	}
	if e.receipt != c.Receipt {
		return fmt.Errorf("ack %s: %w", c.Job.ID, db.ErrLeaseLost)
	}
	delete(q.jobs, key)
	return nil
}

func (q *MemoryQueue) Depth(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.jobs)), nil
}
