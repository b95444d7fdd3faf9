package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/config"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
)

// Queue stores deferred delivery jobs until they are due.
// Implementations deliver at-least-once: a claimed job that is never acked
// becomes claimable again after its lease expires.
type Queue interface {
	// Enqueue must be idempotent on (NotificationID, Address).
	Enqueue(ctx context.Context, job *db.DeliveryJob) error
	// Claim returns up to limit jobs with NotBefore <= now.
	Claim(ctx context.Context, limit int) ([]db.ClaimedJob, error)
	Ack(ctx context.Context, job db.ClaimedJob) error
	Depth(ctx context.Context) (int64, error)
}

// Scheduler turns a stored notification into one deferred job per recipient
type Scheduler struct {
	queue  Queue
	delays config.DelayTable
	logger *zap.Logger
	now    func() time.Time
}

// New creates a scheduler that enqueues on queue using the given delay table
func New(queue Queue, delays config.DelayTable, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		queue:  queue,
		delays: delays,
		logger: logger,
		now:    time.Now,
	}
}

// Offset returns the dispatch offset for a delay tier
func (s *Scheduler) Offset(tier int) (time.Duration, error) {
	return s.delays.Offset(tier)
}

// DispatchTime is the notification's creation time plus its tier offset
func (s *Scheduler) DispatchTime(n *db.Notification) (time.Time, error) {
	offset, err := s.Offset(n.Delay)
	if err != nil {
		return time.Time{}, err
	}
	return n.CreatedAt.Add(offset), nil
}

// Schedule enqueues one job per recipient, all due at the notification's dispatch time.
// Recipients are expected to share a channel; callers group them before calling.
func (s *Scheduler) Schedule(ctx context.Context, n *db.Notification, recipients []db.Recipient) ([]db.DeliveryJob, error) {
	notBefore, err := s.DispatchTime(n)
	if err != nil {
		return nil, err
	}

	jobs := make([]db.DeliveryJob, 0, len(recipients))
	for _, rc := range recipients {
		job := db.DeliveryJob{
			ID:             uuid.New(),
			NotificationID: n.ID,
			Address:        rc.Address,
			Channel:        rc.Channel,
			NotBefore:      notBefore,
			EnqueuedAt:     s.now(),
		}

		if err := s.queue.Enqueue(ctx, &job); err != nil {
			s.logger.Error("failed to enqueue delivery job",
				zap.Error(err),
				zap.Int64("notification_id", n.ID),
				zap.String("recipient", rc.Address),
			)
			return jobs, fmt.Errorf("enqueue job for %s: %w", rc.Address, err)
		}

		metrics.RecordJobScheduled(rc.Channel)
		jobs = append(jobs, job)
	}

	s.logger.Info("delivery jobs scheduled",
		zap.Int64("notification_id", n.ID),
		zap.Int("jobs", len(jobs)),
		zap.Time("not_before", notBefore),
	)

	return jobs, nil
}
