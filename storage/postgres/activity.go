package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"closetrack/activity"
	"closetrack/transaction"
)

const activityColumns = `
transaction_id, seq, kind, from_status, to_status, deadline_id, role,
document_ref, body, forced, actor, occurred_at, description`

func scanEntry(row pgx.Row) (activity.Entry, error) {
	var (
		e                    activity.Entry
		kind, from, to, role string
	)
	if err := row.Scan(
		&e.TransactionID, &e.Seq, &kind, &from, &to, &e.DeadlineID, &role,
		&e.DocumentRef, &e.Text, &e.Forced, &e.Actor, &e.Timestamp, &e.Description,
	); err != nil {
		return activity.Entry{}, err
	}
	e.Kind = activity.Kind(kind)
	e.From = transaction.Status(from)
	e.To = transaction.Status(to)
	e.Role = transaction.Role(role)
	e.Timestamp = e.Timestamp.UTC()
	return e, nil
}

func (q queries) LatestActivity(ctx context.Context, transactionID string) (activity.Entry, bool, error) {
	e, err := scanEntry(q.q.QueryRow(ctx, `SELECT `+activityColumns+`
FROM activity_entries
WHERE transaction_id = $1
ORDER BY seq DESC
LIMIT 1`, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return activity.Entry{}, false, nil
		}
		return activity.Entry{}, false, fmt.Errorf("postgres: latest activity: %w", translate(err))
	}
	return e, true, nil
}

// InsertActivity appends one entry. A taken (transaction_id, seq) means a
// concurrent writer got there first.
func (q queries) InsertActivity(ctx context.Context, e activity.Entry) error {
	_, err := q.q.Exec(ctx, `
INSERT INTO activity_entries (`+activityColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
`,
		e.TransactionID, e.Seq, string(e.Kind), string(e.From), string(e.To), e.DeadlineID, string(e.Role),
		e.DocumentRef, e.Text, e.Forced, e.Actor, e.Timestamp, e.Description,
	)
	if err != nil {
		if isUniqueViolation(err, "activity_entries_pkey") {
			return fmt.Errorf("%w: activity seq %d taken", transaction.ErrConcurrentModification, e.Seq)
		}
		return fmt.Errorf("postgres: insert activity: %w", translate(err))
	}
	return nil
}

func (q queries) ListActivity(ctx context.Context, transactionID string, beforeSeq int64, limit int) ([]activity.Entry, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := q.q.Query(ctx, `SELECT `+activityColumns+`
FROM activity_entries
WHERE transaction_id = $1 AND ($2::bigint <= 0 OR seq < $2::bigint)
ORDER BY seq DESC
LIMIT $3::bigint`, transactionID, beforeSeq, limitArg)
	if err != nil {
		return nil, fmt.Errorf("postgres: list activity: %w", translate(err))
	}
	defer rows.Close()

	var out []activity.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan activity: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate activity: %w", translate(err))
	}
	return out, nil
}
