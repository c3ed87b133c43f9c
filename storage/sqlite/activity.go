package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"closetrack/activity"
	"closetrack/transaction"
)

const activityColumns = `
transaction_id, seq, kind, from_status, to_status, deadline_id, role,
document_ref, body, forced, actor, occurred_at, description`

func scanEntry(row rowScanner) (activity.Entry, error) {
	var (
		e                    activity.Entry
		kind, from, to, role string
		forced               int
		occurredAt           int64
	)
	if err := row.Scan(
		&e.TransactionID, &e.Seq, &kind, &from, &to, &e.DeadlineID, &role,
		&e.DocumentRef, &e.Text, &forced, &e.Actor, &occurredAt, &e.Description,
	); err != nil {
		return activity.Entry{}, err
	}
	e.Kind = activity.Kind(kind)
	e.From = transaction.Status(from)
	e.To = transaction.Status(to)
	e.Role = transaction.Role(role)
	e.Forced = forced != 0
	e.Timestamp = fromNanos(occurredAt)
	return e, nil
}

func (q queries) LatestActivity(ctx context.Context, transactionID string) (activity.Entry, bool, error) {
	e, err := scanEntry(q.q.QueryRowxContext(ctx, `SELECT `+activityColumns+`
FROM activity_entries
WHERE transaction_id = ?
ORDER BY seq DESC
LIMIT 1`, transactionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return activity.Entry{}, false, nil
		}
		return activity.Entry{}, false, fmt.Errorf("sqlite: latest activity: %w", translate(err))
	}
	return e, true, nil
}

func (q queries) InsertActivity(ctx context.Context, e activity.Entry) error {
	_, err := q.q.ExecContext(ctx, `
INSERT INTO activity_entries (`+activityColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TransactionID, e.Seq, string(e.Kind), string(e.From), string(e.To), e.DeadlineID, string(e.Role),
		e.DocumentRef, e.Text, boolToInt(e.Forced), e.Actor, toNanos(e.Timestamp), e.Description,
	)
	if err != nil {
		if isUniqueViolation(err, "activity_entries") {
			return fmt.Errorf("%w: activity seq %d taken", transaction.ErrConcurrentModification, e.Seq)
		}
		return fmt.Errorf("sqlite: insert activity: %w", translate(err))
	}
	return nil
}

// ListActivity returns entries newest first. A negative LIMIT is unbounded
// in SQLite.
func (q queries) ListActivity(ctx context.Context, transactionID string, beforeSeq int64, limit int) ([]activity.Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := q.q.QueryxContext(ctx, `SELECT `+activityColumns+`
FROM activity_entries
WHERE transaction_id = ? AND (? <= 0 OR seq < ?)
ORDER BY seq DESC
LIMIT ?`, transactionID, beforeSeq, beforeSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list activity: %w", translate(err))
	}
	defer rows.Close()

	var out []activity.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan activity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
