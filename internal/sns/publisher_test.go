package sns

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/lalithlochan/courier/internal/db"
)

type fakeSNS struct {
	input *sns.PublishInput
	err   error
}

func (f *fakeSNS) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &sns.PublishOutput{MessageId: aws.String("msg-1")}, nil
}

func TestPublishDelivery(t *testing.T) {
	reason := "telegram api returned status 403"

	tests := []struct {
		name  string
		entry db.SendLogEntry
	}{
		{"ok", db.SendLogEntry{NotificationID: 1, Recipient: "a@b.co", Channel: "email", Status: db.StatusOK}},
		{"error", db.SendLogEntry{NotificationID: 2, Recipient: "42", Channel: "messenger", Status: db.StatusError, ErrorMessage: &reason}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeSNS{}
			p := &Publisher{client: fake, topicARN: "arn:aws:sns:us-east-1:000000000000:deliveries"}

			tt.entry.Timestamp = time.Now()
			if err := p.PublishDelivery(context.Background(), &tt.entry); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if aws.ToString(fake.input.TopicArn) != p.topicARN {
				t.Errorf("unexpected topic %s", aws.ToString(fake.input.TopicArn))
			}
			if got := aws.ToString(fake.input.MessageAttributes["channel"].StringValue); got != tt.entry.Channel {
				t.Errorf("channel attribute: got %s, want %s", got, tt.entry.Channel)
			}
			if got := aws.ToString(fake.input.MessageAttributes["status"].StringValue); got != tt.entry.Status {
				t.Errorf("status attribute: got %s, want %s", got, tt.entry.Status)
			}

			var ev Event
			if err := json.Unmarshal([]byte(aws.ToString(fake.input.Message)), &ev); err != nil {
				t.Fatalf("message is not an event: %v", err)
			}
			if ev.NotificationID != tt.entry.NotificationID || ev.Recipient != tt.entry.Recipient {
				t.Errorf("event mismatch: %+v", ev)
			}
			if (ev.ErrorMessage == nil) != (tt.entry.ErrorMessage == nil) {
				t.Errorf("error message mismatch: %v", ev.ErrorMessage)
			}
		})
	}
}

func TestPublishDelivery_Error(t *testing.T) {
	p := &Publisher{client: &fakeSNS{err: errors.New("throttled")}, topicARN: "arn"}

	if err := p.PublishDelivery(context.Background(), &db.SendLogEntry{Status: db.StatusOK}); err == nil {
		t.Fatal("expected error")
	}
}

func TestEvent_OmitsEmptyErrorMessage(t *testing.T) {
	data, err := json.Marshal(Event{NotificationID: 1, Status: db.StatusOK})
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if _, ok := raw["error_message"]; ok {
		t.Error("error_message should be omitted for ok events")
	}
}

func TestNewPublisherWithEndpoint(t *testing.T) {
	p, err := NewPublisherWithEndpoint(context.Background(), "arn:aws:sns:us-east-1:000000000000:deliveries", "http://localhost:4566", "us-east-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	client, ok := p.client.(*sns.Client)
	if !ok {
		t.Fatalf("expected *sns.Client, got %T", p.client)
	}
	opts := client.Options()
	if aws.ToString(opts.BaseEndpoint) != "http://localhost:4566" {
		t.Errorf("unexpected endpoint %v", aws.ToString(opts.BaseEndpoint))
	}
	if opts.Region != "us-east-1" {
		t.Errorf("unexpected region %s", opts.Region)
	}
}
