package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/courier/internal/db"
)

// Handler runs the body of one delivery job. A nil return acks the job;
// an error leaves it on the queue for redelivery.
type Handler interface {
	Handle(ctx context.Context, job db.DeliveryJob) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, job db.DeliveryJob) error

func (f HandlerFunc) Handle(ctx context.Context, job db.DeliveryJob) error {
	return f(ctx, job)
}

type PoolConfig struct {
	Workers      int
	BatchSize    int
	PollInterval time.Duration
	JobTimeout   time.Duration
}

// Pool polls a Queue for due jobs and runs them on a bounded number of goroutines
type Pool struct {
	queue   Queue
	handler Handler
	config  PoolConfig
	logger  *zap.Logger
}

func NewPool(queue Queue, handler Handler, cfg PoolConfig, logger *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}

	return &Pool{
		queue:   queue,
		handler: handler,
		config:  cfg,
		logger:  logger,
	}
}

// Start polls until ctx is cancelled. Jobs already running when ctx is
// cancelled are allowed to finish, each bounded by JobTimeout.
func (p *Pool) Start(ctx context.Context) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	p.logger.Info("delivery pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("batch_size", p.config.BatchSize),
		zap.Duration("poll_interval", p.config.PollInterval),
	)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("delivery pool stopping")
			return
		case <-ticker.C:
			// keep draining while batches come back full
			for ctx.Err() == nil {
				n := p.RunOnce(ctx)
				if n < p.config.BatchSize {
					break
				}
			}
		}
	}
}

// RunOnce claims one batch of due jobs, runs them and waits for all of them.
// It returns the number of jobs claimed.
func (p *Pool) RunOnce(ctx context.Context) int {
	claimed, err := p.queue.Claim(ctx, p.config.BatchSize)
	if err != nil {
		p.logger.Error("failed to claim delivery jobs", zap.Error(err))
		return 0
	}
	if len(claimed) == 0 {
		return 0
	}

	// in-flight jobs must not be torn down by shutdown
	runCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(p.config.Workers)

	for _, c := range claimed {
		c := c
		g.Go(func() error {
			p.run(runCtx, c)
			return nil
		})
	}
	_ = g.Wait()

	return len(claimed)
}

func (p *Pool) run(ctx context.Context, c db.ClaimedJob) {
	ctx, cancel := context.WithTimeout(ctx, p.config.JobTimeout)
	defer cancel()

	log := p.logger.With(
		zap.String("job_id", c.Job.ID.String()),
		zap.Int64("notification_id", c.Job.NotificationID),
		zap.String("recipient", c.Job.Address),
		zap.Int("attempt", c.Job.Attempt),
	)

	if err := p.handler.Handle(ctx, c.Job); err != nil {
		log.Warn("delivery job failed, leaving for redelivery", zap.Error(err))
		return
	}

	if err := p.queue.Ack(ctx, c); err != nil {
		log.Error("failed to ack delivery job", zap.Error(err))
	}
}
