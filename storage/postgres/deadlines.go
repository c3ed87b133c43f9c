package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"closetrack/deadline"
	"closetrack/transaction"
)

const deadlineColumns = `
id, transaction_id, title, description, due_date, concerns, is_completed,
completed_at, completed_by, notified_urgency, source, created_by, created_at`

func scanDeadline(row pgx.Row) (deadline.Deadline, error) {
	var (
		d               deadline.Deadline
		concerns        []string
		urgency, source string
	)
	if err := row.Scan(
		&d.ID, &d.TransactionID, &d.Title, &d.Description, &d.DueDate, &concerns, &d.IsCompleted,
		&d.CompletedAt, &d.CompletedBy, &urgency, &source, &d.CreatedBy, &d.CreatedAt,
	); err != nil {
		return deadline.Deadline{}, err
	}
	d.DueDate = d.DueDate.UTC()
	d.CreatedAt = d.CreatedAt.UTC()
	if d.CompletedAt != nil {
		at := d.CompletedAt.UTC()
		d.CompletedAt = &at
	}
	d.NotifiedUrgency = deadline.Urgency(urgency)
	d.Source = deadline.Source(source)
	for _, r := range concerns {
		d.Concerns = append(d.Concerns, transaction.Role(r))
	}
	return d, nil
}

func (q queries) ListDeadlines(ctx context.Context, transactionID string) ([]deadline.Deadline, error) {
	rows, err := q.q.Query(ctx, `SELECT `+deadlineColumns+`
FROM deadlines
WHERE transaction_id = $1
ORDER BY due_date, title`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list deadlines: %w", translate(err))
	}
	defer rows.Close()

	var out []deadline.Deadline
	for rows.Next() {
		d, err := scanDeadline(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan deadline: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate deadlines: %w", translate(err))
	}
	return out, nil
}

func (q queries) GetDeadline(ctx context.Context, id string) (deadline.Deadline, error) {
	d, err := scanDeadline(q.q.QueryRow(ctx, `SELECT `+deadlineColumns+` FROM deadlines WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return deadline.Deadline{}, transaction.NotFound("deadline", id)
		}
		return deadline.Deadline{}, fmt.Errorf("postgres: get deadline: %w", translate(err))
	}
	return d, nil
}

func (q queries) InsertDeadline(ctx context.Context, d deadline.Deadline) error {
	concerns := make([]string, 0, len(d.Concerns))
	for _, r := range d.Concerns {
		concerns = append(concerns, string(r))
	}
	_, err := q.q.Exec(ctx, `
INSERT INTO deadlines (`+deadlineColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
`,
		d.ID, d.TransactionID, d.Title, d.Description, d.DueDate, concerns, d.IsCompleted,
		d.CompletedAt, d.CompletedBy, string(d.NotifiedUrgency), string(d.Source), d.CreatedBy, d.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "deadlines_transaction_id_title_key") {
			return deadline.ErrDuplicateTitle
		}
		return fmt.Errorf("postgres: insert deadline: %w", translate(err))
	}
	return nil
}

func (q queries) MarkDeadlineCompleted(ctx context.Context, id, actor string, at time.Time) (bool, error) {
	tag, err := q.q.Exec(ctx, `
UPDATE deadlines
SET is_completed = TRUE, completed_at = $3, completed_by = $2
WHERE id = $1 AND NOT is_completed
`, id, actor, at)
	if err != nil {
		return false, fmt.Errorf("postgres: complete deadline: %w", translate(err))
	}
	return tag.RowsAffected() == 1, nil
}

func (q queries) SetNotifiedUrgency(ctx context.Context, id string, u deadline.Urgency) error {
	tag, err := q.q.Exec(ctx, `UPDATE deadlines SET notified_urgency = $2 WHERE id = $1`, id, string(u))
	if err != nil {
		return fmt.Errorf("postgres: set notified urgency: %w", translate(err))
	}
	if tag.RowsAffected() == 0 {
		return transaction.NotFound("deadline", id)
	}
	return nil
}
