// Package notify accepts notifications: it validates the request, stores the
// notification with its recipients and schedules one delivery job per recipient.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/config"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/recipient"
)

type Store interface {
	CreateNotification(ctx context.Context, message string, delay int, recipients []db.Recipient) (*db.Notification, error)
	MarkScheduled(ctx context.Context, notificationID int64, addresses []string) error
}

type Scheduler interface {
	Offset(tier int) (time.Duration, error)
	Schedule(ctx context.Context, n *db.Notification, recipients []db.Recipient) ([]db.DeliveryJob, error)
}

// Request is an intake request after the recipient field has been normalized to a list.
// RecipientProblems carries shape errors found while decoding the recipient
// field; when set, Recipients is ignored and the problems are reported
// alongside any other field errors.
type Request struct {
	Message           string
	Recipients        []string
	Delay             int
	RecipientProblems []string
}

type Service struct {
	store     Store
	scheduler Scheduler
	logger    *zap.Logger
}

func NewService(store Store, scheduler Scheduler, logger *zap.Logger) *Service {
	return &Service{
		store:     store,
		scheduler: scheduler,
		logger:    logger,
	}
}

// Submit validates req, persists the notification and its recipients in one
// transaction and schedules their delivery. Validation problems come back as
// *ValidationError.
//
// Once the notification is stored it is accepted: a recipient whose job
// cannot be enqueued stays unscheduled in the store and the Reconciler
// enqueues it later, so Submit still returns the notification.
func (s *Service) Submit(ctx context.Context, req Request) (*db.Notification, error) {
	resolved, err := validate(req)
	if err != nil {
		return nil, err
	}

	// an unmapped tier is a configuration problem; fail before anything is written
	if _, err := s.scheduler.Offset(req.Delay); err != nil {
		return nil, err
	}

	recipients := make([]db.Recipient, len(resolved))
	for i, r := range resolved {
		recipients[i] = db.Recipient{Address: r.Address, Channel: r.Channel}
	}

	n, err := s.store.CreateNotification(ctx, req.Message, req.Delay, recipients)
	if err != nil {
		return nil, fmt.Errorf("store notification: %w", err)
	}

	var pending []db.Recipient
	for _, r := range n.Recipients {
		if r.ScheduledAt != nil {
			// enqueued by the store in the same transaction
			metrics.RecordJobScheduled(r.Channel)
			continue
		}
		pending = append(pending, r)
	}

	if scheduled, err := s.schedule(ctx, n, pending); err != nil {
		metrics.RecordUnscheduled("intake", len(pending)-scheduled)
		s.logger.Error("notification stored but not fully scheduled, leaving the rest to the reconciler",
			zap.Int64("notification_id", n.ID),
			zap.Int("scheduled", scheduled),
			zap.Int("pending", len(pending)-scheduled),
			zap.Error(err),
		)
	}

	metrics.RecordNotificationAccepted(config.DelayName(req.Delay))

	s.logger.Info("notification accepted",
		zap.Int64("notification_id", n.ID),
		zap.Int("recipients", len(n.Recipients)),
		zap.String("delay", config.DelayName(req.Delay)),
	)

	return n, nil
}

// schedule enqueues recipients one channel group at a time and marks each
// enqueued group in the store. It stops at the first group that fails and
// returns how many recipients were enqueued before that.
func (s *Service) schedule(ctx context.Context, n *db.Notification, recipients []db.Recipient) (int, error) {
	scheduled := 0
	for _, group := range byChannel(recipients) {
		jobs, err := s.scheduler.Schedule(ctx, n, group)
		scheduled += len(jobs)
		if err != nil {
			if len(jobs) > 0 {
				s.markScheduled(ctx, n.ID, group[:len(jobs)])
			}
			return scheduled, fmt.Errorf("schedule notification %d: %w", n.ID, err)
		}
		s.markScheduled(ctx, n.ID, group)
	}
	return scheduled, nil
}

// A failed mark leaves the recipients to the reconciler, which enqueues them again.
func (s *Service) markScheduled(ctx context.Context, notificationID int64, recipients []db.Recipient) {
	addresses := make([]string, len(recipients))
	for i, r := range recipients {
		addresses[i] = r.Address
	}
	if err := s.store.MarkScheduled(ctx, notificationID, addresses); err != nil {
		s.logger.Warn("failed to mark recipients scheduled",
			zap.Int64("notification_id", notificationID),
			zap.Error(err),
		)
	}
}

func validate(req Request) ([]recipient.Resolved, error) {
	verr := &ValidationError{}

	switch {
	case req.Message == "":
		verr.Add("message", MsgRequired)
	case utf8.RuneCountInString(req.Message) > db.MaxMessageLength:
		verr.Add("message", fmt.Sprintf("Ensure this field has no more than %d characters.", db.MaxMessageLength))
	}

	switch req.Delay {
	case config.DelayNone, config.DelayOneHour, config.DelayOneDay:
	default:
		verr.Add("delay", fmt.Sprintf("%q is not a valid choice.", fmt.Sprint(req.Delay)))
	}

	var resolved []recipient.Resolved
	switch {
	case len(req.RecipientProblems) > 0:
		verr.Add("recipient", req.RecipientProblems...)
	case len(req.Recipients) == 0:
		verr.Add("recipient", MsgEmptyList)
	default:
		var err error
		resolved, err = recipient.Resolve(req.Recipients)
		var rerr *recipient.Errors
		if errors.As(err, &rerr) {
			verr.Add("recipient", rerr.Messages()...)
		}
	}

	if !verr.empty() {
		return nil, verr
	}
	return resolved, nil
}

// byChannel groups recipients by channel, keeping the order channels first appear in
func byChannel(recipients []db.Recipient) [][]db.Recipient {
	index := make(map[string]int)
	var groups [][]db.Recipient
	for _, r := range recipients {
		i, ok := index[r.Channel]
		if !ok {
			i = len(groups)
			index[r.Channel] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], r)
	}
	return groups
}
