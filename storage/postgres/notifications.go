package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"closetrack/notification"
	"closetrack/transaction"
)

const notificationColumns = `
id, recipient_key, transaction_id, type, title, message, dedupe_key, is_read, read_at, created_at`

func scanNotification(row pgx.Row) (notification.Notification, error) {
	var (
		n   notification.Notification
		typ string
	)
	if err := row.Scan(&n.ID, &n.RecipientKey, &n.TransactionID, &typ, &n.Title, &n.Message,
		&n.DedupeKey, &n.IsRead, &n.ReadAt, &n.CreatedAt); err != nil {
		return notification.Notification{}, err
	}
	n.Type = notification.Type(typ)
	n.CreatedAt = n.CreatedAt.UTC()
	if n.ReadAt != nil {
		at := n.ReadAt.UTC()
		n.ReadAt = &at
	}
	return n, nil
}

func collectNotifications(rows pgx.Rows) ([]notification.Notification, error) {
	defer rows.Close()
	var out []notification.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate notifications: %w", translate(err))
	}
	return out, nil
}

// InsertNotification relies on the (recipient_key, dedupe_key) unique index;
// on conflict the existing row is returned with created=false.
func (q queries) InsertNotification(ctx context.Context, n notification.Notification) (notification.Notification, bool, error) {
	stored, err := scanNotification(q.q.QueryRow(ctx, `
INSERT INTO notifications (`+notificationColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (recipient_key, dedupe_key) DO NOTHING
RETURNING `+notificationColumns,
		n.ID, n.RecipientKey, n.TransactionID, string(n.Type), n.Title, n.Message,
		n.DedupeKey, n.IsRead, n.ReadAt, n.CreatedAt,
	))
	switch {
	case err == nil:
		return stored, true, nil
	case errors.Is(err, pgx.ErrNoRows):
		// already notified for this event
	default:
		return notification.Notification{}, false, fmt.Errorf("postgres: insert notification: %w", translate(err))
	}

	existing, err := scanNotification(q.q.QueryRow(ctx, `SELECT `+notificationColumns+`
FROM notifications
WHERE recipient_key = $1 AND dedupe_key = $2`, n.RecipientKey, n.DedupeKey))
	if err != nil {
		return notification.Notification{}, false, fmt.Errorf("postgres: load existing notification: %w", translate(err))
	}
	return existing, false, nil
}

func (q queries) InsertDelivery(ctx context.Context, d notification.Delivery) error {
	_, err := q.q.Exec(ctx, `
INSERT INTO deliveries (id, notification_id, channel, destination, status, attempts, last_error, next_attempt_at, created_at, delivered_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`, d.ID, d.NotificationID, string(d.Channel), d.Destination, string(d.Status), d.Attempts, d.LastError,
		d.NextAttemptAt, d.CreatedAt, d.DeliveredAt)
	if err != nil {
		return fmt.Errorf("postgres: insert delivery: %w", translate(err))
	}
	return nil
}

func (q queries) ListNotifications(ctx context.Context, recipient string, before *notification.Cursor, limit int) ([]notification.Notification, error) {
	if before == nil {
		rows, err := q.q.Query(ctx, `SELECT `+notificationColumns+`
FROM notifications
WHERE recipient_key = $1
ORDER BY created_at DESC, id DESC
LIMIT $2`, recipient, limit)
		if err != nil {
			return nil, fmt.Errorf("postgres: list notifications: %w", translate(err))
		}
		return collectNotifications(rows)
	}

	rows, err := q.q.Query(ctx, `SELECT `+notificationColumns+`
FROM notifications
WHERE recipient_key = $1 AND (created_at, id) < ($2, $3)
ORDER BY created_at DESC, id DESC
LIMIT $4`, recipient, before.CreatedAt, before.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list notifications: %w", translate(err))
	}
	return collectNotifications(rows)
}

func (q queries) CountUnread(ctx context.Context, recipient string) (int, error) {
	var count int
	if err := q.q.QueryRow(ctx, `SELECT COUNT(*) FROM notifications WHERE recipient_key = $1 AND NOT is_read`, recipient).Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres: count unread: %w", translate(err))
	}
	return count, nil
}

func (q queries) GetNotification(ctx context.Context, id string) (notification.Notification, error) {
	n, err := scanNotification(q.q.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return notification.Notification{}, transaction.NotFound("notification", id)
		}
		return notification.Notification{}, fmt.Errorf("postgres: get notification: %w", translate(err))
	}
	return n, nil
}

func (q queries) MarkNotificationRead(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := q.q.Exec(ctx, `UPDATE notifications SET is_read = TRUE, read_at = $2 WHERE id = $1 AND NOT is_read`, id, at)
	if err != nil {
		return false, fmt.Errorf("postgres: mark read: %w", translate(err))
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimDeliveries leases due deliveries with SKIP LOCKED so parallel relays
// never claim the same row.
func (q queries) ClaimDeliveries(ctx context.Context, now, leaseUntil time.Time, limit int) ([]notification.PendingDelivery, error) {
	rows, err := q.q.Query(ctx, `
WITH due AS (
    SELECT id
    FROM deliveries
    WHERE status IN ('pending', 'failed') AND next_attempt_at <= $1
    ORDER BY next_attempt_at, id
    LIMIT $3
    FOR UPDATE SKIP LOCKED
)
UPDATE deliveries d
SET next_attempt_at = $2
FROM due, notifications n
WHERE d.id = due.id AND n.id = d.notification_id
RETURNING d.id, d.notification_id, d.channel, d.destination, d.status, d.attempts, d.last_error,
          d.next_attempt_at, d.created_at, d.delivered_at,
          n.id, n.recipient_key, n.transaction_id, n.type, n.title, n.message, n.dedupe_key,
          n.is_read, n.read_at, n.created_at
`, now, leaseUntil, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: claim deliveries: %w", translate(err))
	}
	defer rows.Close()

	var out []notification.PendingDelivery
	for rows.Next() {
		var (
			pd                   notification.PendingDelivery
			channel, status, typ string
		)
		d, n := &pd.Delivery, &pd.Notification
		if err := rows.Scan(
			&d.ID, &d.NotificationID, &channel, &d.Destination, &status, &d.Attempts, &d.LastError,
			&d.NextAttemptAt, &d.CreatedAt, &d.DeliveredAt,
			&n.ID, &n.RecipientKey, &n.TransactionID, &typ, &n.Title, &n.Message, &n.DedupeKey,
			&n.IsRead, &n.ReadAt, &n.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan delivery: %w", err)
		}
		d.Channel = notification.ChannelName(channel)
		d.Status = notification.DeliveryStatus(status)
		n.Type = notification.Type(typ)
		out = append(out, pd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate deliveries: %w", translate(err))
	}
	return out, nil
}

func (q queries) UpdateDelivery(ctx context.Context, d notification.Delivery) error {
	tag, err := q.q.Exec(ctx, `
UPDATE deliveries
SET status = $2, attempts = $3, last_error = $4, next_attempt_at = $5, delivered_at = $6
WHERE id = $1
`, d.ID, string(d.Status), d.Attempts, d.LastError, d.NextAttemptAt, d.DeliveredAt)
	if err != nil {
		return fmt.Errorf("postgres: update delivery: %w", translate(err))
	}
	if tag.RowsAffected() == 0 {
		return transaction.NotFound("delivery", d.ID)
	}
	return nil
}
