package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"closetrack/deadline"
	"closetrack/transaction"
)

const deadlineColumns = `
id, transaction_id, title, description, due_date, concerns, is_completed,
completed_at, completed_by, notified_urgency, source, created_by, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeadline(row rowScanner) (deadline.Deadline, error) {
	var (
		d                         deadline.Deadline
		concerns, urgency, source string
		dueDate, createdAt        int64
		completed                 int
		completedAt               sql.NullInt64
	)
	if err := row.Scan(
		&d.ID, &d.TransactionID, &d.Title, &d.Description, &dueDate, &concerns, &completed,
		&completedAt, &d.CompletedBy, &urgency, &source, &d.CreatedBy, &createdAt,
	); err != nil {
		return deadline.Deadline{}, err
	}
	d.DueDate = fromNanos(dueDate)
	d.CreatedAt = fromNanos(createdAt)
	d.IsCompleted = completed != 0
	d.CompletedAt = fromNullNanos(completedAt)
	d.NotifiedUrgency = deadline.Urgency(urgency)
	d.Source = deadline.Source(source)
	if concerns != "" {
		for _, r := range strings.Split(concerns, ",") {
			d.Concerns = append(d.Concerns, transaction.Role(r))
		}
	}
	return d, nil
}

func (q queries) ListDeadlines(ctx context.Context, transactionID string) ([]deadline.Deadline, error) {
	rows, err := q.q.QueryxContext(ctx, `SELECT `+deadlineColumns+`
FROM deadlines
WHERE transaction_id = ?
ORDER BY due_date, title`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list deadlines: %w", translate(err))
	}
	defer rows.Close()

	var out []deadline.Deadline
	for rows.Next() {
		d, err := scanDeadline(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan deadline: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (q queries) GetDeadline(ctx context.Context, id string) (deadline.Deadline, error) {
	d, err := scanDeadline(q.q.QueryRowxContext(ctx, `SELECT `+deadlineColumns+` FROM deadlines WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return deadline.Deadline{}, transaction.NotFound("deadline", id)
		}
		return deadline.Deadline{}, fmt.Errorf("sqlite: get deadline: %w", translate(err))
	}
	return d, nil
}

func (q queries) InsertDeadline(ctx context.Context, d deadline.Deadline) error {
	concerns := make([]string, 0, len(d.Concerns))
	for _, r := range d.Concerns {
		concerns = append(concerns, string(r))
	}
	_, err := q.q.ExecContext(ctx, `
INSERT INTO deadlines (`+deadlineColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.TransactionID, d.Title, d.Description, toNanos(d.DueDate), strings.Join(concerns, ","),
		boolToInt(d.IsCompleted), nullNanos(d.CompletedAt), d.CompletedBy, string(d.NotifiedUrgency),
		string(d.Source), d.CreatedBy, toNanos(d.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err, "deadlines") {
			return deadline.ErrDuplicateTitle
		}
		return fmt.Errorf("sqlite: insert deadline: %w", translate(err))
	}
	return nil
}

func (q queries) MarkDeadlineCompleted(ctx context.Context, id, actor string, at time.Time) (bool, error) {
	result, err := q.q.ExecContext(ctx, `
UPDATE deadlines
SET is_completed = 1, completed_at = ?, completed_by = ?
WHERE id = ? AND is_completed = 0`, toNanos(at), actor, id)
	if err != nil {
		return false, fmt.Errorf("sqlite: complete deadline: %w", translate(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: complete deadline: %w", err)
	}
	return n == 1, nil
}

func (q queries) SetNotifiedUrgency(ctx context.Context, id string, u deadline.Urgency) error {
	result, err := q.q.ExecContext(ctx, `UPDATE deadlines SET notified_urgency = ? WHERE id = ?`, string(u), id)
	if err != nil {
		return fmt.Errorf("sqlite: set notified urgency: %w", translate(err))
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return transaction.NotFound("deadline", id)
	}
	return nil
}
