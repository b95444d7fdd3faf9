package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

func setupTestQueue(t *testing.T, lease time.Duration) (*DelayQueue, *time.Time, func()) {
	t.Helper()
	client, _, cleanup := setupTestRedis(t)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	q := NewDelayQueue(client, lease, zap.NewNop())
	q.now = func() time.Time { return now }

	return q, &now, cleanup
}

func newJob(notificationID int64, address string, notBefore time.Time) *db.DeliveryJob {
	return &db.DeliveryJob{
		ID:             uuid.New(),
		NotificationID: notificationID,
		Address:        address,
		Channel:        "email",
		NotBefore:      notBefore,
		EnqueuedAt:     notBefore,
	}
}

func TestDelayQueue_ClaimsOnlyDueJobs(t *testing.T) {
	q, now, cleanup := setupTestQueue(t, time.Minute)
	defer cleanup()

	ctx := context.Background()
	if err := q.Enqueue(ctx, newJob(1, "a@b.co", *now)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := q.Enqueue(ctx, newJob(2, "c@d.co", now.Add(time.Hour))); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	claimed, err := q.Claim(ctx, 10)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Job.NotificationID != 1 {
		t.Fatalf("expected only notification 1 to be due, got %+v", claimed)
	}
	if claimed[0].Job.Attempt != 1 {
		t.Errorf("expected attempt 1, got %d", claimed[0].Job.Attempt)
	}

	*now = now.Add(time.Hour)
	claimed, err = q.Claim(ctx, 10)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Job.NotificationID != 2 {
		t.Fatalf("expected notification 2 after an hour, got %+v", claimed)
	}
}

func TestDelayQueue_EnqueueIsIdempotent(t *testing.T) {
	q, now, cleanup := setupTestQueue(t, time.Minute)
	defer cleanup()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := q.Enqueue(ctx, newJob(1, "a@b.co", *now)); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth failed: %v", err)
	}
	if depth != 1 {
		t.Errorf("expected depth 1, got %d", depth)
	}
}

func TestDelayQueue_AckRemovesJob(t *testing.T) {
	q, now, cleanup := setupTestQueue(t, time.Minute)
	defer cleanup()

	ctx := context.Background()
	_ = q.Enqueue(ctx, newJob(1, "a@b.co", *now))

	claimed, _ := q.Claim(ctx, 10)
	if len(claimed) != 1 {
		t.Fatalf("expected 1 claimed job, got %d", len(claimed))
	}
	if err := q.Ack(ctx, claimed[0]); err != nil {
		t.Fatalf("ack failed: %v", err)
	}

	depth, _ := q.Depth(ctx)
	if depth != 0 {
		t.Errorf("expected empty queue, got depth %d", depth)
	}

	*now = now.Add(time.Hour)
	claimed, _ = q.Claim(ctx, 10)
	if len(claimed) != 0 {
		t.Errorf("acked job must not be redelivered, got %+v", claimed)
	}
}

func TestDelayQueue_ExpiredLeaseIsRedelivered(t *testing.T) {
	q, now, cleanup := setupTestQueue(t, 30*time.Second)
	defer cleanup()

	ctx := context.Background()
	_ = q.Enqueue(ctx, newJob(1, "a@b.co", *now))

	first, _ := q.Claim(ctx, 10)
	if len(first) != 1 {
		t.Fatalf("expected 1 claimed job, got %d", len(first))
	}

	// still leased
	if again, _ := q.Claim(ctx, 10); len(again) != 0 {
		t.Fatalf("leased job claimed twice: %+v", again)
	}

	*now = now.Add(31 * time.Second)
	second, _ := q.Claim(ctx, 10)
	if len(second) != 1 {
		t.Fatalf("expected job to be redelivered after lease expiry, got %d", len(second))
	}
	if second[0].Job.Attempt != 2 {
		t.Errorf("expected attempt 2, got %d", second[0].Job.Attempt)
	}

	if err := q.Ack(ctx, first[0]); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("expected ErrLeaseLost for stale receipt, got %v", err)
	}
	if err := q.Ack(ctx, second[0]); err != nil {
		t.Errorf("current receipt should ack, got %v", err)
	}
}

func TestDelayQueue_ClaimRespectsLimitAndOrder(t *testing.T) {
	q, now, cleanup := setupTestQueue(t, time.Minute)
	defer cleanup()

	ctx := context.Background()
	_ = q.Enqueue(ctx, newJob(3, "x@b.co", now.Add(-time.Second)))
	_ = q.Enqueue(ctx, newJob(1, "y@b.co", now.Add(-3*time.Second)))
	_ = q.Enqueue(ctx, newJob(2, "z@b.co", now.Add(-2*time.Second)))

	claimed, err := q.Claim(ctx, 2)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 claimed jobs, got %d", len(claimed))
	}
	if claimed[0].Job.NotificationID != 1 || claimed[1].Job.NotificationID != 2 {
		t.Errorf("expected oldest jobs first, got %d and %d", claimed[0].Job.NotificationID, claimed[1].Job.NotificationID)
	}

	depth, _ := q.Depth(ctx)
	if depth != 3 {
		t.Errorf("expected depth 3 (1 due + 2 in flight), got %d", depth)
	}
}
