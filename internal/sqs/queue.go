package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

const (
	// SQS caps per-message delay at 15 minutes and visibility at 12 hours.
	maxDelay      = 15 * time.Minute
	maxVisibility = 12 * time.Hour
	maxBatch      = 10
)

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	// Lease is the visibility timeout given to claimed messages
	Lease time.Duration
	// WaitTime enables long polling on receive; zero means short polling
	WaitTime time.Duration
}

// Queue keeps deferred delivery jobs on an SQS standard queue.
//
// SQS can only delay a message by 15 minutes, so longer delays are reached
// in hops: a message received before its dispatch time is hidden again with
// ChangeMessageVisibility until it is due. Standard queues do not dedupe,
// so unlike the other backends Enqueue is not idempotent.
type Queue struct {
	client   sqsAPI
	queueURL string
	lease    time.Duration
	wait     time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewQueue creates a new SQS backed delivery queue.
func NewQueue(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs queue initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return newQueue(sqs.NewFromConfig(awsCfg), cfg, logger), nil
}

func newQueue(client sqsAPI, cfg Config, logger *zap.Logger) *Queue {
	if cfg.Lease <= 0 {
		cfg.Lease = time.Minute
	}
	return &Queue{
		client:   client,
		queueURL: cfg.QueueURL,
		lease:    cfg.Lease,
		wait:     cfg.WaitTime,
		logger:   logger,
		now:      time.Now,
	}
}

// Enqueue sends the job, delayed by up to 15 minutes toward its dispatch time.
func (q *Queue) Enqueue(ctx context.Context, job *db.DeliveryJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:     aws.String(q.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: seconds(job.NotBefore.Sub(q.now()), maxDelay),
	}

	result, err := q.client.SendMessage(ctx, input)
	if err != nil {
		q.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.Int64("notification_id", job.NotificationID),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	q.logger.Debug("delivery job sent to sqs",
		zap.String("message_id", aws.ToString(result.MessageId)),
		zap.Int64("notification_id", job.NotificationID),
	)
	return nil
}

// Claim receives up to limit messages. Messages that are not due yet are
// pushed back out of sight and not returned.
func (q *Queue) Claim(ctx context.Context, limit int) ([]db.ClaimedJob, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(q.queueURL),
		MaxNumberOfMessages:         int32(min(limit, maxBatch)),
		WaitTimeSeconds:             seconds(q.wait, 20*time.Second),
		VisibilityTimeout:           seconds(q.lease, maxVisibility),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
	}

	result, err := q.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	now := q.now()
	claimed := make([]db.ClaimedJob, 0, len(result.Messages))
	for _, msg := range result.Messages {
		receipt := aws.ToString(msg.ReceiptHandle)

		var job db.DeliveryJob
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &job); err != nil {
			q.logger.Error("dropping undecodable sqs message",
				zap.String("message_id", aws.ToString(msg.MessageId)),
				zap.Error(err),
			)
			_ = q.delete(ctx, receipt)
			continue
		}

		if remaining := job.NotBefore.Sub(now); remaining > 0 {
			if err := q.hide(ctx, receipt, remaining); err != nil {
				q.logger.Warn("failed to defer sqs message", zap.Error(err))
			}
			continue
		}

		// counts receives that only deferred the job too
		if n, err := strconv.Atoi(msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil {
			job.Attempt = n
		}
		claimed = append(claimed, db.ClaimedJob{Job: job, Receipt: receipt})
	}

	return claimed, nil
}

// Ack deletes the message
func (q *Queue) Ack(ctx context.Context, c db.ClaimedJob) error {
	return q.delete(ctx, c.Receipt)
}

// Depth sums visible, in-flight and delayed messages as reported by SQS.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	result, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(q.queueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
			types.QueueAttributeNameApproximateNumberOfMessagesDelayed,
		},
	})
	if err != nil {
		return 0, fmt.Errorf("sqs get attributes failed: %w", err)
	}

	var total int64
	for _, v := range result.Attributes {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		total += n
	}
	return total, nil
}

func (q *Queue) delete(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

func (q *Queue) hide(ctx context.Context, receiptHandle string, d time.Duration) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds(d, maxVisibility),
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}
	return nil
}

// seconds rounds d up to whole seconds, clamped to [0, limit]
func seconds(d, limit time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	if d > limit {
		d = limit
	}
	return int32((d + time.Second - 1) / time.Second)
}
