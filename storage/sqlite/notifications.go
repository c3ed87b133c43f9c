package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"closetrack/notification"
	"closetrack/storage"
	"closetrack/transaction"
)

const notificationColumns = `
id, recipient_key, transaction_id, type, title, message, dedupe_key, is_read, read_at, created_at`

func scanNotification(row rowScanner) (notification.Notification, error) {
	var (
		n         notification.Notification
		typ       string
		isRead    int
		readAt    sql.NullInt64
		createdAt int64
	)
	if err := row.Scan(&n.ID, &n.RecipientKey, &n.TransactionID, &typ, &n.Title, &n.Message,
		&n.DedupeKey, &isRead, &readAt, &createdAt); err != nil {
		return notification.Notification{}, err
	}
	n.Type = notification.Type(typ)
	n.IsRead = isRead != 0
	n.ReadAt = fromNullNanos(readAt)
	n.CreatedAt = fromNanos(createdAt)
	return n, nil
}

func (q queries) InsertNotification(ctx context.Context, n notification.Notification) (notification.Notification, bool, error) {
	result, err := q.q.ExecContext(ctx, `
INSERT INTO notifications (`+notificationColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (recipient_key, dedupe_key) DO NOTHING`,
		n.ID, n.RecipientKey, n.TransactionID, string(n.Type), n.Title, n.Message,
		n.DedupeKey, boolToInt(n.IsRead), nullNanos(n.ReadAt), toNanos(n.CreatedAt),
	)
	if err != nil {
		return notification.Notification{}, false, fmt.Errorf("sqlite: insert notification: %w", translate(err))
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 1 {
		n.CreatedAt = fromNanos(toNanos(n.CreatedAt))
		return n, true, nil
	}

	existing, err := scanNotification(q.q.QueryRowxContext(ctx, `SELECT `+notificationColumns+`
FROM notifications
WHERE recipient_key = ? AND dedupe_key = ?`, n.RecipientKey, n.DedupeKey))
	if err != nil {
		return notification.Notification{}, false, fmt.Errorf("sqlite: load existing notification: %w", translate(err))
	}
	return existing, false, nil
}

func (q queries) InsertDelivery(ctx context.Context, d notification.Delivery) error {
	_, err := q.q.ExecContext(ctx, `
INSERT INTO deliveries (id, notification_id, channel, destination, status, attempts, last_error, next_attempt_at, created_at, delivered_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.NotificationID, string(d.Channel), d.Destination, string(d.Status), d.Attempts, d.LastError,
		toNanos(d.NextAttemptAt), toNanos(d.CreatedAt), nullNanos(d.DeliveredAt))
	if err != nil {
		return fmt.Errorf("sqlite: insert delivery: %w", translate(err))
	}
	return nil
}

func (q queries) ListNotifications(ctx context.Context, recipient string, before *notification.Cursor, limit int) ([]notification.Notification, error) {
	query := `SELECT ` + notificationColumns + `
FROM notifications
WHERE recipient_key = ?`
	args := []any{recipient}
	if before != nil {
		at := toNanos(before.CreatedAt)
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, at, at, before.ID)
	}
	query += `
ORDER BY created_at DESC, id DESC
LIMIT ?`
	args = append(args, limit)

	rows, err := q.q.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list notifications: %w", translate(err))
	}
	defer rows.Close()

	var out []notification.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (q queries) CountUnread(ctx context.Context, recipient string) (int, error) {
	var count int
	if err := q.q.QueryRowxContext(ctx, `SELECT COUNT(*) FROM notifications WHERE recipient_key = ? AND is_read = 0`, recipient).Scan(&count); err != nil {
		return 0, fmt.Errorf("sqlite: count unread: %w", translate(err))
	}
	return count, nil
}

func (q queries) GetNotification(ctx context.Context, id string) (notification.Notification, error) {
	n, err := scanNotification(q.q.QueryRowxContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notification.Notification{}, transaction.NotFound("notification", id)
		}
		return notification.Notification{}, fmt.Errorf("sqlite: get notification: %w", translate(err))
	}
	return n, nil
}

func (q queries) MarkNotificationRead(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := q.q.ExecContext(ctx, `UPDATE notifications SET is_read = 1, read_at = ? WHERE id = ? AND is_read = 0`, toNanos(at), id)
	if err != nil {
		return false, fmt.Errorf("sqlite: mark read: %w", translate(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: mark read: %w", err)
	}
	return n == 1, nil
}

// ClaimDeliveries selects due rows and pushes their next attempt to
// leaseUntil. Callers outside a unit of work go through Store.ClaimDeliveries,
// which wraps both steps in one.
func (q queries) ClaimDeliveries(ctx context.Context, now, leaseUntil time.Time, limit int) ([]notification.PendingDelivery, error) {
	rows, err := q.q.QueryxContext(ctx, `
SELECT d.id, d.notification_id, d.channel, d.destination, d.status, d.attempts, d.last_error,
       d.next_attempt_at, d.created_at, d.delivered_at,
       n.id, n.recipient_key, n.transaction_id, n.type, n.title, n.message, n.dedupe_key,
       n.is_read, n.read_at, n.created_at
FROM deliveries d
JOIN notifications n ON n.id = d.notification_id
WHERE d.status IN ('pending', 'failed') AND d.next_attempt_at <= ?
ORDER BY d.next_attempt_at, d.id
LIMIT ?`, toNanos(now), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: claim deliveries: %w", translate(err))
	}

	var out []notification.PendingDelivery
	for rows.Next() {
		var (
			pd                              notification.PendingDelivery
			channel, status, typ            string
			nextAttempt, dCreated, nCreated int64
			deliveredAt, readAt             sql.NullInt64
			isRead                          int
		)
		d, n := &pd.Delivery, &pd.Notification
		if err := rows.Scan(
			&d.ID, &d.NotificationID, &channel, &d.Destination, &status, &d.Attempts, &d.LastError,
			&nextAttempt, &dCreated, &deliveredAt,
			&n.ID, &n.RecipientKey, &n.TransactionID, &typ, &n.Title, &n.Message, &n.DedupeKey,
			&isRead, &readAt, &nCreated,
		); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: scan delivery: %w", err)
		}
		d.Channel = notification.ChannelName(channel)
		d.Status = notification.DeliveryStatus(status)
		d.NextAttemptAt = fromNanos(toNanos(leaseUntil))
		d.CreatedAt = fromNanos(dCreated)
		d.DeliveredAt = fromNullNanos(deliveredAt)
		n.Type = notification.Type(typ)
		n.IsRead = isRead != 0
		n.ReadAt = fromNullNanos(readAt)
		n.CreatedAt = fromNanos(nCreated)
		out = append(out, pd)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("sqlite: iterate deliveries: %w", translate(err))
	}
	rows.Close()

	if len(out) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(out))
	args := []any{toNanos(leaseUntil)}
	for _, pd := range out {
		ids = append(ids, "?")
		args = append(args, pd.Delivery.ID)
	}
	if _, err := q.q.ExecContext(ctx,
		`UPDATE deliveries SET next_attempt_at = ? WHERE id IN (`+strings.Join(ids, ", ")+`)`, args...); err != nil {
		return nil, fmt.Errorf("sqlite: lease deliveries: %w", translate(err))
	}
	return out, nil
}

// ClaimDeliveries runs the select and lease in one unit of work.
func (s *Store) ClaimDeliveries(ctx context.Context, now, leaseUntil time.Time, limit int) ([]notification.PendingDelivery, error) {
	var out []notification.PendingDelivery
	err := s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		out, err = tx.ClaimDeliveries(ctx, now, leaseUntil, limit)
		return err
	})
	return out, err
}

func (q queries) UpdateDelivery(ctx context.Context, d notification.Delivery) error {
	result, err := q.q.ExecContext(ctx, `
UPDATE deliveries
SET status = ?, attempts = ?, last_error = ?, next_attempt_at = ?, delivered_at = ?
WHERE id = ?`,
		string(d.Status), d.Attempts, d.LastError, toNanos(d.NextAttemptAt), nullNanos(d.DeliveredAt), d.ID)
	if err != nil {
		return fmt.Errorf("sqlite: update delivery: %w", translate(err))
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return transaction.NotFound("delivery", d.ID)
	}
	return nil
}
