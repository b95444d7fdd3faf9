package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
)

type Repository interface {
	GetNotification(ctx context.Context, id int64) (*db.Notification, error)
	RecordAttempt(ctx context.Context, entry *db.SendLogEntry) error
}

// Router picks the sender for a channel
type Router interface {
	SenderFor(channel string) (Sender, bool)
}

// EventPublisher receives every send log entry after it is written
type EventPublisher interface {
	PublishDelivery(ctx context.Context, entry *db.SendLogEntry) error
}

// Dispatcher is the body of a delivery job: load the notification, hand the
// message to the channel's sender and record exactly one send log entry.
type Dispatcher struct {
	repo   Repository
	router Router
	events EventPublisher
	logger *zap.Logger
}

func NewDispatcher(repo Repository, router Router, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		repo:   repo,
		router: router,
		logger: logger,
	}
}

// WithEvents publishes outcomes to p in addition to the send log
func (d *Dispatcher) WithEvents(p EventPublisher) *Dispatcher {
	d.events = p
	return d
}

// Handle runs one job. It returns an error only when the job should be
// redelivered (the notification could not be read). Delivery failures are
// outcomes, not errors: they end up in the send log.
func (d *Dispatcher) Handle(ctx context.Context, job db.DeliveryJob) error {
	log := d.logger.With(
		zap.Int64("notification_id", job.NotificationID),
		zap.String("recipient", job.Address),
		zap.String("channel", job.Channel),
	)

	notif, err := d.repo.GetNotification(ctx, job.NotificationID)
	if errors.Is(err, db.ErrNotFound) {
		log.Error("notification no longer exists, dropping delivery job")
		return nil
	}
	if err != nil {
		return err
	}

	metrics.RecordDispatchLag(job.Channel, time.Since(job.NotBefore))

	sendErr := d.send(ctx, job, notif.Message)

	entry := &db.SendLogEntry{
		NotificationID: job.NotificationID,
		Recipient:      job.Address,
		Channel:        job.Channel,
		Status:         db.StatusOK,
	}
	if sendErr != nil {
		reason := sendErr.Error()
		var de *DeliveryError
		if errors.As(sendErr, &de) {
			reason = de.Reason
		}
		entry.Status = db.StatusError
		entry.ErrorMessage = &reason
		log.Warn("delivery failed", zap.String("reason", reason))
	}

	metrics.RecordDelivery(job.Channel, entry.Status)

	// the attempt already happened; don't lose its record to the job timeout
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := d.repo.RecordAttempt(logCtx, entry); err != nil {
		metrics.RecordSendLogWriteFailure()
		log.Error("failed to write send log entry",
			zap.Error(err),
			zap.String("status", entry.Status),
		)
		return nil
	}

	if d.events != nil {
		if err := d.events.PublishDelivery(logCtx, entry); err != nil {
			log.Warn("failed to publish delivery event", zap.Error(err))
		}
	}

	return nil
}

func (d *Dispatcher) send(ctx context.Context, job db.DeliveryJob, message string) error {
	sender, ok := d.router.SenderFor(job.Channel)
	if !ok {
		return &DeliveryError{Channel: job.Channel, Reason: "no sender configured for channel " + job.Channel}
	}
	return sender.Send(ctx, job.Address, message)
}
