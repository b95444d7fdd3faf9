package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

const (
	dueKey      = "courier:jobs:due"
	inflightKey = "courier:jobs:inflight"
	dataKey     = "courier:jobs:data"
	attemptsKey = "courier:jobs:attempts"
)

// ErrLeaseLost is returned by Ack when the job's lease ran out and it was claimed again.
var ErrLeaseLost = db.ErrLeaseLost

var enqueueScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[3]) == 0 then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)

// Moves expired leases back to due, then leases up to ARGV[3] due jobs.
// Returns a flat list of member, payload, attempt triples.
var claimScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local deadline = now + tonumber(ARGV[2])

local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now)
for _, m in ipairs(expired) do
	redis.call('ZREM', KEYS[2], m)
	redis.call('ZADD', KEYS[1], now, m)
end

local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, tonumber(ARGV[3]))
local out = {}
for _, m in ipairs(due) do
	redis.call('ZREM', KEYS[1], m)
	redis.call('ZADD', KEYS[2], deadline, m)
	local attempt = redis.call('HINCRBY', KEYS[4], m, 1)
	table.insert(out, m)
	table.insert(out, redis.call('HGET', KEYS[3], m) or '')
	table.insert(out, attempt)
end
return out
`)

var ackScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score then
	return 1
end
if tonumber(score) ~= tonumber(ARGV[2]) then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
return 1
`)

// DelayQueue keeps deferred delivery jobs in Redis. Due jobs sit in a sorted
// set scored by dispatch time (ms); claimed jobs move to an in-flight set
// scored by lease expiry. The lease expiry doubles as the ack receipt.
type DelayQueue struct {
	client *Client
	lease  time.Duration
	logger *zap.Logger
	now    func() time.Time
}

func NewDelayQueue(client *Client, lease time.Duration, logger *zap.Logger) *DelayQueue {
	return &DelayQueue{
		client: client,
		lease:  lease,
		logger: logger,
		now:    time.Now,
	}
}

func member(notificationID int64, address string) string {
	return fmt.Sprintf("%d:%s", notificationID, address)
}

// Enqueue stores job. A second job for the same notification and address is ignored.
func (q *DelayQueue) Enqueue(ctx context.Context, job *db.DeliveryJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal delivery job: %w", err)
	}

	added, err := enqueueScript.Run(ctx, q.client.rdb,
		[]string{dueKey, dataKey},
		member(job.NotificationID, job.Address),
		job.NotBefore.UnixMilli(),
		payload,
	).Int()
	if err != nil {
		return fmt.Errorf("redis enqueue failed: %w", err)
	}

	if added == 0 {
		q.logger.Debug("delivery job already enqueued",
			zap.Int64("notification_id", job.NotificationID),
			zap.String("recipient", job.Address),
		)
	}
	return nil
}

func (q *DelayQueue) Claim(ctx context.Context, limit int) ([]db.ClaimedJob, error) {
	now := q.now().UnixMilli()
	lease := q.lease.Milliseconds()

	res, err := claimScript.Run(ctx, q.client.rdb,
		[]string{dueKey, inflightKey, dataKey, attemptsKey},
		now, lease, limit,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("redis claim failed: %w", err)
	}

	receipt := strconv.FormatInt(now+lease, 10)
	claimed := make([]db.ClaimedJob, 0, len(res)/3)
	for i := 0; i+2 < len(res); i += 3 {
		m, _ := res[i].(string)
		payload, _ := res[i+1].(string)
		attempt, _ := res[i+2].(int64)

		var job db.DeliveryJob
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			// a job we can't decode would be redelivered forever
			q.logger.Error("dropping undecodable delivery job", zap.String("member", m), zap.Error(err))
			_ = q.ack(ctx, m, receipt)
			continue
		}
		job.Attempt = int(attempt)
		claimed = append(claimed, db.ClaimedJob{Job: job, Receipt: receipt})
	}

	return claimed, nil
}

// Ack removes the job if the receipt still matches its lease
func (q *DelayQueue) Ack(ctx context.Context, c db.ClaimedJob) error {
	return q.ack(ctx, member(c.Job.NotificationID, c.Job.Address), c.Receipt)
}

func (q *DelayQueue) ack(ctx context.Context, m, receipt string) error {
	ok, err := ackScript.Run(ctx, q.client.rdb,
		[]string{inflightKey, dataKey, attemptsKey},
		m, receipt,
	).Int()
	if err != nil {
		return fmt.Errorf("redis ack failed: %w", err)
	}
	if ok == 0 {
		return fmt.Errorf("ack %s: %w", m, ErrLeaseLost)
	}
	return nil
}

// Depth counts jobs waiting plus jobs in flight
func (q *DelayQueue) Depth(ctx context.Context) (int64, error) {
	pipe := q.client.rdb.Pipeline()
	due := pipe.ZCard(ctx, dueKey)
	inflight := pipe.ZCard(ctx, inflightKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis depth failed: %w", err)
	}
	return due.Val() + inflight.Val(), nil
}
