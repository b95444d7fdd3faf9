package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
)

const reconcileBatch = 500

// PendingStore lists stored recipients whose delivery job was never enqueued
type PendingStore interface {
	ListUnscheduled(ctx context.Context, olderThan time.Time, limit int) ([]*db.Notification, error)
}

// Reconciler enqueues recipients that intake stored but could not schedule.
// It only looks at notifications older than one interval so it does not race
// a Submit that is still scheduling.
type Reconciler struct {
	svc      *Service
	pending  PendingStore
	interval time.Duration
	cron     *cron.Cron
	logger   *zap.Logger
	now      func() time.Time
}

func NewReconciler(svc *Service, pending PendingStore, interval time.Duration, logger *zap.Logger) (*Reconciler, error) {
	r := &Reconciler{
		svc:      svc,
		pending:  pending,
		interval: interval,
		cron:     cron.New(cron.WithLocation(time.UTC)),
		logger:   logger,
		now:      time.Now,
	}

	if _, err := r.cron.AddFunc(fmt.Sprintf("@every %s", interval), r.run); err != nil {
		return nil, fmt.Errorf("add reconcile job: %w", err)
	}

	return r, nil
}

// RunOnce schedules one batch of unscheduled recipients and returns how many
// were enqueued. A notification that fails is left for the next run.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	notifications, err := r.pending.ListUnscheduled(ctx, r.now().Add(-r.interval), reconcileBatch)
	if err != nil {
		return 0, err
	}

	total, left := 0, 0
	for _, n := range notifications {
		scheduled, err := r.svc.schedule(ctx, n, n.Recipients)
		total += scheduled
		if err != nil {
			left += len(n.Recipients) - scheduled
			r.logger.Warn("reconcile: scheduling still failing",
				zap.Int64("notification_id", n.ID),
				zap.Error(err),
			)
		}
	}

	if left > 0 {
		metrics.RecordUnscheduled("reconcile", left)
	}
	if total > 0 {
		r.logger.Info("reconciled unscheduled recipients",
			zap.Int("scheduled", total),
			zap.Int("notifications", len(notifications)),
		)
	}

	return total, nil
}

func (r *Reconciler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), r.interval)
	defer cancel()

	if _, err := r.RunOnce(ctx); err != nil {
		r.logger.Error("reconcile failed", zap.Error(err))
	}
}

func (r *Reconciler) Start() {
	r.cron.Start()
}

// Stop waits for a running pass to finish
func (r *Reconciler) Stop() {
	<-r.cron.Stop().Done()
}
