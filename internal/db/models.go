package db

import (
	"time"

	"github.com/google/uuid"
)

// Notification is an accepted message together with its recipients.
// Rows are never updated after creation.
type Notification struct {
	ID         int64       `json:"id"`
	Message    string      `json:"message"`
	Delay      int         `json:"delay"`
	CreatedAt  time.Time   `json:"created_at"`
	Recipients []Recipient `json:"recipients"`
}

// Recipient is one address of a notification with the channel it was classified into
type Recipient struct {
	ID             int64  `json:"id"`
	NotificationID int64  `json:"notification_id"`
	Address        string `json:"recipient"`
	Channel        string `json:"recipient_type"`

	// ScheduledAt is set once the recipient's delivery job is known to be enqueued
	ScheduledAt *time.Time `json:"-"`
}

// SendLogEntry records one delivery attempt. ErrorMessage is set iff Status is StatusError.
type SendLogEntry struct {
	ID             int64     `json:"id"`
	NotificationID int64     `json:"notification_id"`
	Recipient      string    `json:"recipient"`
	Channel        string    `json:"channel"`
	Status         string    `json:"status"`
	ErrorMessage   *string   `json:"error_message,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Send log status constants
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// MaxMessageLength is the longest message accepted, in characters
const MaxMessageLength = 1024

// DeliveryJob is a deferred unit of work: deliver one notification to one recipient
// no earlier than NotBefore. (NotificationID, Address) identifies the job.
type DeliveryJob struct {
	ID             uuid.UUID `json:"id"`
	NotificationID int64     `json:"notification_id"`
	Address        string    `json:"address"`
	Channel        string    `json:"channel"`
	NotBefore      time.Time `json:"not_before"`
	Attempt        int       `json:"attempt"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

// ClaimedJob is a job handed to a worker. Receipt is backend specific
// (an SQS receipt handle, a redis lease member) and is needed to ack.
type ClaimedJob struct {
	Job     DeliveryJob
	Receipt string
}
