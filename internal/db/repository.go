package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// Repository handles database operations for notifications and the send log
type Repository struct {
	q      Querier
	logger *zap.Logger

	// set when delivery_jobs is the job queue; see WithOutbox
	outbox func(tier int) (time.Duration, error)
}

// NewRepository creates a new notification repository
func NewRepository(q Querier, logger *zap.Logger) *Repository {
	return &Repository{
		q:      q,
		logger: logger,
	}
}

// WithOutbox makes CreateNotification write one delivery_jobs row per
// recipient inside the same transaction, due at created_at + offset(delay).
// Only valid when JobQueue is the job queue.
func (r *Repository) WithOutbox(offset func(tier int) (time.Duration, error)) *Repository {
	r.outbox = offset
	return r
}

// CreateNotification stores a notification and all of its recipients in one
// transaction. Either everything is visible afterwards or nothing is. With an
// outbox the delivery jobs are part of that transaction and the returned
// recipients are already marked scheduled.
func (r *Repository) CreateNotification(ctx context.Context, message string, delay int, recipients []Recipient) (*Notification, error) {
	var offset time.Duration
	if r.outbox != nil {
		var err error
		if offset, err = r.outbox(delay); err != nil {
			return nil, err
		}
	}

	tx, err := r.q.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	notif := &Notification{Message: message, Delay: delay}

	err = tx.QueryRow(ctx, `
		INSERT INTO notifications (message, delay)
		VALUES ($1, $2)
		RETURNING id, created_at
	`, message, delay).Scan(&notif.ID, &notif.CreatedAt)
	if err != nil {
		r.logger.Error("failed to create notification", zap.Error(err))
		return nil, fmt.Errorf("insert notification: %w", err)
	}

	addresses := make([]string, len(recipients))
	channels := make([]string, len(recipients))
	for i, rc := range recipients {
		addresses[i] = rc.Address
		channels[i] = rc.Channel
	}

	rows, err := tx.Query(ctx, `
		INSERT INTO recipients (notification_id, address, channel)
		SELECT $1, t.address, t.channel
		FROM unnest($2::text[], $3::text[]) AS t(address, channel)
		RETURNING id, address, channel
	`, notif.ID, addresses, channels)
	if err != nil {
		return nil, fmt.Errorf("insert recipients: %w", err)
	}

	for rows.Next() {
		rc := Recipient{NotificationID: notif.ID}
		if err := rows.Scan(&rc.ID, &rc.Address, &rc.Channel); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		notif.Recipients = append(notif.Recipients, rc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("insert recipients: %w", err)
	}

	if len(notif.Recipients) != len(recipients) {
		return nil, fmt.Errorf("insert recipients: stored %d of %d", len(notif.Recipients), len(recipients))
	}

	if r.outbox != nil {
		if err := enqueueInTx(ctx, tx, notif, notif.CreatedAt.Add(offset)); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("notification created",
		zap.Int64("notification_id", notif.ID),
		zap.Int("recipients", len(notif.Recipients)),
		zap.Int("delay", delay),
	)

	return notif, nil
}

func enqueueInTx(ctx context.Context, tx pgx.Tx, notif *Notification, notBefore time.Time) error {
	tag, err := tx.Exec(ctx, `
		INSERT INTO delivery_jobs (id, notification_id, address, channel, not_before, enqueued_at)
		SELECT gen_random_uuid(), notification_id, address, channel, $2, NOW()
		FROM recipients
		WHERE notification_id = $1
		ON CONFLICT (notification_id, address) DO NOTHING
	`, notif.ID, notBefore)
	if err != nil {
		return fmt.Errorf("insert delivery jobs: %w", err)
	}
	if tag.RowsAffected() != int64(len(notif.Recipients)) {
		return fmt.Errorf("insert delivery jobs: enqueued %d of %d", tag.RowsAffected(), len(notif.Recipients))
	}

	scheduledAt := notif.CreatedAt
	if _, err := tx.Exec(ctx, `
		UPDATE recipients SET scheduled_at = $2 WHERE notification_id = $1
	`, notif.ID, scheduledAt); err != nil {
		return fmt.Errorf("mark recipients scheduled: %w", err)
	}

	for i := range notif.Recipients {
		notif.Recipients[i].ScheduledAt = &scheduledAt
	}
	return nil
}

// MarkScheduled records that the jobs for addresses have been enqueued
func (r *Repository) MarkScheduled(ctx context.Context, notificationID int64, addresses []string) error {
	_, err := r.q.Exec(ctx, `
		UPDATE recipients
		SET scheduled_at = NOW()
		WHERE notification_id = $1
		  AND address = ANY($2)
		  AND scheduled_at IS NULL
	`, notificationID, addresses)
	if err != nil {
		return fmt.Errorf("mark recipients scheduled: %w", err)
	}
	return nil
}

// ListUnscheduled returns notifications created before olderThan that still
// have recipients without an enqueued job. Only those recipients are loaded.
// limit counts recipients, so one notification can span two calls.
func (r *Repository) ListUnscheduled(ctx context.Context, olderThan time.Time, limit int) ([]*Notification, error) {
	rows, err := r.q.Query(ctx, `
		SELECT n.id, n.message, n.delay, n.created_at, rc.id, rc.address, rc.channel
		FROM recipients rc
		JOIN notifications n ON n.id = rc.notification_id
		WHERE rc.scheduled_at IS NULL
		  AND n.created_at < $1
		ORDER BY n.id, rc.id
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("query unscheduled recipients: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		var n Notification
		var rc Recipient
		if err := rows.Scan(&n.ID, &n.Message, &n.Delay, &n.CreatedAt, &rc.ID, &rc.Address, &rc.Channel); err != nil {
			return nil, fmt.Errorf("scan unscheduled recipient: %w", err)
		}
		rc.NotificationID = n.ID

		if last := len(notifications) - 1; last >= 0 && notifications[last].ID == n.ID {
			notifications[last].Recipients = append(notifications[last].Recipients, rc)
			continue
		}
		n.Recipients = []Recipient{rc}
		notifications = append(notifications, &n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unscheduled recipients: %w", err)
	}

	return notifications, nil
}

// GetNotification loads a notification with its recipients
func (r *Repository) GetNotification(ctx context.Context, id int64) (*Notification, error) {
	var notif Notification
	err := r.q.QueryRow(ctx, `
		SELECT id, message, delay, created_at
		FROM notifications
		WHERE id = $1
	`, id).Scan(&notif.ID, &notif.Message, &notif.Delay, &notif.CreatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("notification %d: %w", id, ErrNotFound)
	}

	if err != nil {
		r.logger.Error("failed to get notification",
			zap.Error(err),
			zap.Int64("notification_id", id),
		)
		return nil, fmt.Errorf("query notification: %w", err)
	}

	rows, err := r.q.Query(ctx, `
		SELECT id, notification_id, address, channel
		FROM recipients
		WHERE notification_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rc Recipient
		if err := rows.Scan(&rc.ID, &rc.NotificationID, &rc.Address, &rc.Channel); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		notif.Recipients = append(notif.Recipients, rc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recipients: %w", err)
	}

	return &notif, nil
}

// ListNotifications returns notifications newest first, without recipients
func (r *Repository) ListNotifications(ctx context.Context, limit, offset int) ([]*Notification, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, message, delay, created_at
		FROM notifications
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		var notif Notification
		if err := rows.Scan(&notif.ID, &notif.Message, &notif.Delay, &notif.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, &notif)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

// RecordAttempt appends one entry to the send log
func (r *Repository) RecordAttempt(ctx context.Context, entry *SendLogEntry) error {
	if (entry.Status == StatusError) != (entry.ErrorMessage != nil) {
		return fmt.Errorf("send log entry: status %q inconsistent with error message", entry.Status)
	}

	err := r.q.QueryRow(ctx, `
		INSERT INTO send_log (notification_id, recipient, channel, status, error_message)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, attempted_at
	`,
		entry.NotificationID,
		entry.Recipient,
		entry.Channel,
		entry.Status,
		entry.ErrorMessage,
	).Scan(&entry.ID, &entry.Timestamp)
	if err != nil {
		return fmt.Errorf("insert send log entry: %w", err)
	}

	return nil
}

// ListSendLog returns all attempts recorded for a notification, oldest first
func (r *Repository) ListSendLog(ctx context.Context, notificationID int64) ([]*SendLogEntry, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, notification_id, recipient, channel, status, error_message, attempted_at
		FROM send_log
		WHERE notification_id = $1
		ORDER BY attempted_at, id
	`, notificationID)
	if err != nil {
		return nil, fmt.Errorf("query send log: %w", err)
	}
	defer rows.Close()

	var entries []*SendLogEntry
	for rows.Next() {
		var e SendLogEntry
		err := rows.Scan(
			&e.ID,
			&e.NotificationID,
			&e.Recipient,
			&e.Channel,
			&e.Status,
			&e.ErrorMessage,
			&e.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan send log entry: %w", err)
		}
		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate send log: %w", err)
	}

	return entries, nil
}
