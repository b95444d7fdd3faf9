package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/config"
	"github.com/lalithlochan/courier/internal/db"
)

type failingQueue struct {
	MemoryQueue
	err error
}

func (q *failingQueue) Enqueue(context.Context, *db.DeliveryJob) error {
	return q.err
}

func TestScheduler_DispatchTime(t *testing.T) {
	s := New(NewMemoryQueue(time.Minute), config.DefaultDelays(), zap.NewNop())
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		delay int
		want  time.Time
	}{
		{"none", config.DelayNone, created},
		{"one hour", config.DelayOneHour, created.Add(3600 * time.Second)},
		{"one day", config.DelayOneDay, created.Add(86400 * time.Second)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.DispatchTime(&db.Notification{CreatedAt: created, Delay: tt.delay})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestScheduler_UnmappedTierSchedulesNothing(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	delays := config.DefaultDelays()
	delete(delays, config.DelayOneDay)
	s := New(q, delays, zap.NewNop())

	n := &db.Notification{ID: 1, Delay: config.DelayOneDay, CreatedAt: time.Now()}
	_, err := s.Schedule(context.Background(), n, []db.Recipient{{Address: "1", Channel: "messenger"}})

	var cfgErr *config.Error
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *config.Error, got %v", err)
	}

	if depth, _ := q.Depth(context.Background()); depth != 0 {
		t.Errorf("expected no jobs, got %d", depth)
	}
}

func TestScheduler_Schedule(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	s := New(q, config.DefaultDelays(), zap.NewNop())
	created := time.Now().Add(-2 * time.Hour)

	n := &db.Notification{ID: 3, Delay: config.DelayOneHour, CreatedAt: created}
	recipients := []db.Recipient{
		{Address: "1", Channel: "messenger"},
		{Address: "2", Channel: "messenger"},
	}

	jobs, err := s.Schedule(context.Background(), n, recipients)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	for _, j := range jobs {
		if !j.NotBefore.Equal(created.Add(time.Hour)) {
			t.Errorf("expected not_before %s, got %s", created.Add(time.Hour), j.NotBefore)
		}
	}

	// scheduling the same notification again does not duplicate jobs
	if _, err := s.Schedule(context.Background(), n, recipients); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if depth, _ := q.Depth(context.Background()); depth != 2 {
		t.Errorf("expected depth 2, got %d", depth)
	}
}

func TestScheduler_EnqueueFailure(t *testing.T) {
	q := &failingQueue{err: errors.New("queue unavailable")}
	s := New(q, config.DefaultDelays(), zap.NewNop())

	_, err := s.Schedule(context.Background(), &db.Notification{ID: 1, CreatedAt: time.Now()}, []db.Recipient{{Address: "1", Channel: "messenger"}})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestMemoryQueue_OnlyDueJobsAreClaimed(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	now := time.Now()
	ctx := context.Background()

	_ = q.Enqueue(ctx, &db.DeliveryJob{NotificationID: 1, Address: "later", NotBefore: now.Add(time.Hour)})
	_ = q.Enqueue(ctx, &db.DeliveryJob{NotificationID: 1, Address: "b", NotBefore: now.Add(-time.Second)})
	_ = q.Enqueue(ctx, &db.DeliveryJob{NotificationID: 1, Address: "a", NotBefore: now.Add(-time.Minute)})

	claimed, _ := q.Claim(ctx, 10)
	if len(claimed) != 2 {
		t.Fatalf("expected 2 due jobs, got %d", len(claimed))
	}
	if claimed[0].Job.Address != "a" {
		t.Errorf("expected oldest job first, got %s", claimed[0].Job.Address)
	}

	// leased jobs are not handed out twice
	again, _ := q.Claim(ctx, 10)
	if len(again) != 0 {
		t.Errorf("expected no jobs while leased, got %d", len(again))
	}

	// the delayed job becomes claimable once its time comes
	q.now = func() time.Time { return now.Add(2 * time.Hour) }
	later, _ := q.Claim(ctx, 10)
	if len(later) != 3 {
		t.Errorf("expected 3 jobs after lease expiry and delay, got %d", len(later))
	}
}

func TestMemoryQueue_StaleAckRejected(t *testing.T) {
	q := NewMemoryQueue(time.Second)
	now := time.Now()
	ctx := context.Background()
	_ = q.Enqueue(ctx, &db.DeliveryJob{NotificationID: 1, Address: "a", NotBefore: now})

	first, _ := q.Claim(ctx, 1)
	q.now = func() time.Time { return now.Add(time.Minute) }
	second, _ := q.Claim(ctx, 1)

	if err := q.Ack(ctx, first[0]); !errors.Is(err, db.ErrLeaseLost) {
		t.Errorf("expected db.ErrLeaseLost for stale ack, got %v", err)
	}
	if err := q.Ack(ctx, second[0]); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if depth, _ := q.Depth(ctx); depth != 0 {
		t.Errorf("expected empty queue, got %d", depth)
	}
}

func TestPool_RunOnce(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	ctx := context.Background()
	now := time.Now()

	for _, addr := range []string{"1", "2", "3", "4", "5"} {
		_ = q.Enqueue(ctx, &db.DeliveryJob{NotificationID: 7, Address: addr, NotBefore: now})
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var running, peak int32

	handler := HandlerFunc(func(ctx context.Context, job db.DeliveryJob) error {
		cur := atomic.AddInt32(&running, 1)
		defer atomic.AddInt32(&running, -1)
		for {
			p := atomic.LoadInt32(&peak)
			if cur <= p || atomic.CompareAndSwapInt32(&peak, p, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		seen[job.Address]++
		mu.Unlock()

		if job.Address == "3" {
			return errors.New("database unavailable")
		}
		return nil
	})

	p := NewPool(q, handler, PoolConfig{Workers: 2, BatchSize: 10}, zap.NewNop())
	if n := p.RunOnce(ctx); n != 5 {
		t.Fatalf("expected 5 claimed jobs, got %d", n)
	}

	if len(seen) != 5 {
		t.Errorf("expected every recipient handled once, got %v", seen)
	}
	if atomic.LoadInt32(&peak) > 2 {
		t.Errorf("expected at most 2 concurrent jobs, saw %d", peak)
	}

	// the failed job stays queued for redelivery
	if depth, _ := q.Depth(ctx); depth != 1 {
		t.Fatalf("expected 1 job left, got %d", depth)
	}

	q.now = func() time.Time { return now.Add(2 * time.Minute) }
	if n := p.RunOnce(ctx); n != 1 {
		t.Fatalf("expected failed job to be redelivered, got %d", n)
	}
	if seen["3"] != 2 {
		t.Errorf("expected 2 attempts for recipient 3, got %d", seen["3"])
	}
}

func TestPool_StartStopsOnCancel(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	var handled int32
	_ = q.Enqueue(context.Background(), &db.DeliveryJob{NotificationID: 1, Address: "1", NotBefore: time.Now()})

	p := NewPool(q, HandlerFunc(func(ctx context.Context, job db.DeliveryJob) error {
		atomic.AddInt32(&handled, 1)
		return nil
	}), PoolConfig{PollInterval: 10 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&handled) == 0 {
		select {
		case <-deadline:
			t.Fatal("job was never handled")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestDepthSampler(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	_ = q.Enqueue(context.Background(), &db.DeliveryJob{NotificationID: 1, Address: "1", NotBefore: time.Now()})

	s, err := NewDepthSampler(q, "@every 1m", zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.Start()
	s.Sample()
	s.Stop()

	if _, err := NewDepthSampler(q, "not a schedule", zap.NewNop()); err == nil {
		t.Error("expected error for invalid cron spec")
	}
}
