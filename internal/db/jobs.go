package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrLeaseLost is returned by Ack when the job's lease ran out and another
// worker claimed it again.
var ErrLeaseLost = errors.New("lease lost")

// JobQueue keeps deferred delivery jobs in the delivery_jobs table.
// Workers claim due rows with FOR UPDATE SKIP LOCKED and hold them under a
// lease; a row that is not acked before the lease runs out is claimable again.
type JobQueue struct {
	q      Querier
	lease  time.Duration
	logger *zap.Logger
}

// NewJobQueue creates a postgres backed job queue
func NewJobQueue(q Querier, lease time.Duration, logger *zap.Logger) *JobQueue {
	return &JobQueue{
		q:      q,
		lease:  lease,
		logger: logger,
	}
}

// Enqueue stores a job. Enqueuing the same (notification, address) twice is a no-op.
func (jq *JobQueue) Enqueue(ctx context.Context, job *DeliveryJob) error {
	tag, err := jq.q.Exec(ctx, `
		INSERT INTO delivery_jobs (id, notification_id, address, channel, not_before, attempt, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (notification_id, address) DO NOTHING
	`,
		job.ID,
		job.NotificationID,
		job.Address,
		job.Channel,
		job.NotBefore,
		job.Attempt,
		job.EnqueuedAt,
	)
	if err != nil {
		return fmt.Errorf("insert delivery job: %w", err)
	}

	if tag.RowsAffected() == 0 {
		jq.logger.Debug("delivery job already enqueued",
			zap.Int64("notification_id", job.NotificationID),
			zap.String("recipient", job.Address),
		)
	}

	return nil
}

// Claim leases up to limit jobs whose dispatch time has passed.
// Each claim gets a fresh lease token, which is the receipt Ack checks.
func (jq *JobQueue) Claim(ctx context.Context, limit int) ([]ClaimedJob, error) {
	rows, err := jq.q.Query(ctx, `
		WITH due AS (
			SELECT id
			FROM delivery_jobs
			WHERE not_before <= NOW()
			  AND (locked_until IS NULL OR locked_until < NOW())
			ORDER BY not_before
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE delivery_jobs j
		SET locked_until = NOW() + make_interval(secs => $2::float8),
		    attempt = j.attempt + 1,
		    lease_token = gen_random_uuid()
		FROM due
		WHERE j.id = due.id
		RETURNING j.id, j.notification_id, j.address, j.channel, j.not_before, j.attempt, j.enqueued_at, j.lease_token
	`, limit, jq.lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim delivery jobs: %w", err)
	}
	defer rows.Close()

	var claimed []ClaimedJob
	for rows.Next() {
		var job DeliveryJob
		var token uuid.UUID
		err := rows.Scan(
			&job.ID,
			&job.NotificationID,
			&job.Address,
			&job.Channel,
			&job.NotBefore,
			&job.Attempt,
			&job.EnqueuedAt,
			&token,
		)
		if err != nil {
			return nil, fmt.Errorf("scan delivery job: %w", err)
		}
		claimed = append(claimed, ClaimedJob{Job: job, Receipt: token.String()})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivery jobs: %w", err)
	}

	return claimed, nil
}

// Ack removes a finished job if the receipt still holds its lease.
// A job that is already gone counts as acked.
func (jq *JobQueue) Ack(ctx context.Context, claimed ClaimedJob) error {
	token, err := uuid.Parse(claimed.Receipt)
	if err != nil {
		return fmt.Errorf("ack %s: bad receipt: %w", claimed.Job.ID, err)
	}

	tag, err := jq.q.Exec(ctx, `
		DELETE FROM delivery_jobs
		WHERE id = $1 AND lease_token = $2
	`, claimed.Job.ID, token)
	if err != nil {
		return fmt.Errorf("delete delivery job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := jq.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM delivery_jobs WHERE id = $1)`, claimed.Job.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check delivery job: %w", err)
	}
	if exists {
		return fmt.Errorf("ack %s: %w", claimed.Job.ID, ErrLeaseLost)
	}
	return nil
}

// Depth is the number of jobs not yet acked, due or not
func (jq *JobQueue) Depth(ctx context.Context) (int64, error) {
	var n int64
	if err := jq.q.QueryRow(ctx, `SELECT COUNT(*) FROM delivery_jobs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count delivery jobs: %w", err)
	}
	return n, nil
}
