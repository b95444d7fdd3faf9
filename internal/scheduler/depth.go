package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/metrics"
)

// DepthSampler periodically publishes the queue depth gauge
type DepthSampler struct {
	cron   *cron.Cron
	queue  Queue
	logger *zap.Logger
}

// NewDepthSampler registers a sampling job on spec, e.g. "@every 15s"
func NewDepthSampler(queue Queue, spec string, logger *zap.Logger) (*DepthSampler, error) {
	s := &DepthSampler{
		cron:   cron.New(cron.WithLocation(time.UTC)),
		queue:  queue,
		logger: logger,
	}

	if _, err := s.cron.AddFunc(spec, s.Sample); err != nil {
		return nil, fmt.Errorf("add depth sampling job: %w", err)
	}

	return s, nil
}

// Sample reads the queue depth once and updates the gauge
func (s *DepthSampler) Sample() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n, err := s.queue.Depth(ctx)
	if err != nil {
		s.logger.Warn("failed to sample queue depth", zap.Error(err))
		return
	}
	metrics.SetQueueDepth(n)
}

func (s *DepthSampler) Start() {
	s.cron.Start()
}

// Stop waits for a running sample to finish
func (s *DepthSampler) Stop() {
	<-s.cron.Stop().Done()
}
