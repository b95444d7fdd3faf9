package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/lalithlochan/courier/internal/db"
)

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher fans delivery outcomes out to an SNS topic so other systems can
// subscribe (filtering on the channel and status attributes).
type Publisher struct {
	client   snsAPI
	topicARN string
}

// Event is the JSON body of a delivery outcome
type Event struct {
	NotificationID int64     `json:"notification_id"`
	Recipient      string    `json:"recipient"`
	Channel        string    `json:"channel"`
	Status         string    `json:"status"`
	ErrorMessage   *string   `json:"error_message,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewPublisher creates an SNS publisher for the given topic
func NewPublisher(ctx context.Context, topicARN string, optFns ...func(*config.LoadOptions) error) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Publisher{
		client:   sns.NewFromConfig(cfg),
		topicARN: topicARN,
	}, nil
}

// NewPublisherWithEndpoint points the client at a custom endpoint (LocalStack)
func NewPublisherWithEndpoint(ctx context.Context, topicARN, endpoint, region string) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	return &Publisher{
		client:   client,
		topicARN: topicARN,
	}, nil
}

// PublishDelivery publishes one send log entry
func (p *Publisher) PublishDelivery(ctx context.Context, entry *db.SendLogEntry) error {
	payload, err := json.Marshal(Event{
		NotificationID: entry.NotificationID,
		Recipient:      entry.Recipient,
		Channel:        entry.Channel,
		Status:         entry.Status,
		ErrorMessage:   entry.ErrorMessage,
		Timestamp:      entry.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"channel": {
				DataType:    aws.String("String"),
				StringValue: aws.String(entry.Channel),
			},
			"status": {
				DataType:    aws.String("String"),
				StringValue: aws.String(entry.Status),
			},
		},
	}

	if _, err := p.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	return nil
}
