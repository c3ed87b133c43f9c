package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"closetrack/storage"
	"closetrack/transaction"
)

const selectTransactionSQL = `
SELECT id, status, COALESCE(cancelled_from, ''), version, property_address,
       contract_date, inspection_date, appraisal_date, mortgage_commitment_date,
       attorney_review_date, closing_date,
       list_price, sale_price, commission_rate,
       created_at, updated_at
FROM transactions
WHERE id = ?`

func (q queries) GetTransaction(ctx context.Context, id string) (transaction.Transaction, error) {
	var (
		t                          transaction.Transaction
		status, cancelledFrom      string
		dates                      [6]sql.NullInt64
		listPrice, salePrice, rate sql.NullString
		createdAt, updatedAt       int64
	)
	err := q.q.QueryRowxContext(ctx, selectTransactionSQL, id).Scan(
		&t.ID, &status, &cancelledFrom, &t.Version, &t.PropertyAddress,
		&dates[0], &dates[1], &dates[2], &dates[3], &dates[4], &dates[5],
		&listPrice, &salePrice, &rate,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return transaction.Transaction{}, transaction.NotFound("transaction", id)
		}
		return transaction.Transaction{}, fmt.Errorf("sqlite: load transaction: %w", translate(err))
	}
	t.Status = transaction.Status(status)
	t.CancelledFrom = transaction.Status(cancelledFrom)
	t.CreatedAt = fromNanos(createdAt)
	t.UpdatedAt = fromNanos(updatedAt)

	m := &t.Milestones
	m.ContractDate = fromNullNanos(dates[0])
	m.InspectionDate = fromNullNanos(dates[1])
	m.AppraisalDate = fromNullNanos(dates[2])
	m.MortgageCommitmentDate = fromNullNanos(dates[3])
	m.AttorneyReviewDate = fromNullNanos(dates[4])
	m.ClosingDate = fromNullNanos(dates[5])

	if t.ListPrice, err = parseDecimal(listPrice); err != nil {
		return transaction.Transaction{}, err
	}
	if t.SalePrice, err = parseDecimal(salePrice); err != nil {
		return transaction.Transaction{}, err
	}
	if t.CommissionRate, err = parseDecimal(rate); err != nil {
		return transaction.Transaction{}, err
	}

	if t.Participants, err = q.listParticipants(ctx, id); err != nil {
		return transaction.Transaction{}, err
	}
	return t, nil
}

func (q queries) listParticipants(ctx context.Context, transactionID string) ([]transaction.Participant, error) {
	rows, err := q.q.QueryxContext(ctx, `
SELECT participant_key, role, email, phone
FROM participants
WHERE transaction_id = ?
ORDER BY position`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list participants: %w", translate(err))
	}
	defer rows.Close()

	var out []transaction.Participant
	for rows.Next() {
		var (
			p    transaction.Participant
			role string
		)
		if err := rows.Scan(&p.Key, &role, &p.Email, &p.Phone); err != nil {
			return nil, fmt.Errorf("sqlite: scan participant: %w", err)
		}
		p.Role = transaction.Role(role)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (q queries) InsertTransaction(ctx context.Context, t transaction.Transaction) error {
	m := t.Milestones
	_, err := q.q.ExecContext(ctx, `
INSERT INTO transactions (
	id, status, cancelled_from, version, property_address,
	contract_date, inspection_date, appraisal_date, mortgage_commitment_date,
	attorney_review_date, closing_date,
	list_price, sale_price, commission_rate, created_at, updated_at
) VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.Status), string(t.CancelledFrom), t.Version, t.PropertyAddress,
		nullNanos(m.ContractDate), nullNanos(m.InspectionDate), nullNanos(m.AppraisalDate),
		nullNanos(m.MortgageCommitmentDate), nullNanos(m.AttorneyReviewDate), nullNanos(m.ClosingDate),
		decimalArg(t.ListPrice), decimalArg(t.SalePrice), decimalArg(t.CommissionRate),
		toNanos(t.CreatedAt), toNanos(t.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err, "transactions") {
			return storage.ErrDuplicateTransaction
		}
		return fmt.Errorf("sqlite: insert transaction: %w", translate(err))
	}

	for _, p := range t.Participants {
		if err := q.InsertParticipant(ctx, t.ID, p); err != nil {
			return err
		}
	}
	return nil
}

func (q queries) InsertParticipant(ctx context.Context, transactionID string, p transaction.Participant) error {
	_, err := q.q.ExecContext(ctx, `
INSERT INTO participants (transaction_id, role, participant_key, email, phone, position)
SELECT ?, ?, ?, ?, ?, COALESCE(MAX(position), 0) + 1
FROM participants
WHERE transaction_id = ?`,
		transactionID, string(p.Role), p.Key, p.Email, p.Phone, transactionID)
	if err != nil {
		if isUniqueViolation(err, "participants") {
			return fmt.Errorf("%w: %s", transaction.ErrDuplicateRole, p.Role)
		}
		return fmt.Errorf("sqlite: insert participant: %w", translate(err))
	}
	return nil
}

// UpdateTransactionStatus writes only when the stored version still matches.
func (q queries) UpdateTransactionStatus(ctx context.Context, u storage.StatusUpdate) (int64, error) {
	result, err := q.q.ExecContext(ctx, `
UPDATE transactions
SET status = ?, cancelled_from = NULLIF(?, ''), version = version + 1, updated_at = ?
WHERE id = ? AND version = ?`,
		string(u.Status), string(u.CancelledFrom), toNanos(u.At), u.TransactionID, u.Version)
	if err != nil {
		return 0, fmt.Errorf("sqlite: update status: %w", translate(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: update status: %w", err)
	}
	if n == 0 {
		return 0, transaction.ErrConcurrentModification
	}
	return u.Version + 1, nil
}

func (q queries) InsertIdempotencyKey(ctx context.Context, transactionID, operation, key string, at time.Time) error {
	if key == "" {
		return fmt.Errorf("sqlite: empty idempotency key")
	}
	result, err := q.q.ExecContext(ctx, `
INSERT INTO idempotency_keys (transaction_id, operation, key, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (transaction_id, operation, key) DO NOTHING`, transactionID, operation, key, toNanos(at))
	if err != nil {
		return fmt.Errorf("sqlite: insert idempotency key: %w", translate(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: insert idempotency key: %w", err)
	}
	if n == 0 {
		return transaction.ErrDuplicateIdempotencyKey
	}
	return nil
}

func (q queries) ListTransactionIDs(ctx context.Context, after string, limit int) ([]string, error) {
	var ids []string
	err := sqlx.SelectContext(ctx, q.q, &ids, `SELECT id FROM transactions WHERE id > ? ORDER BY id LIMIT ?`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list transaction ids: %w", translate(err))
	}
	return ids, nil
}

func decimalArg(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func parseDecimal(s sql.NullString) (decimal.NullDecimal, error) {
	if !s.Valid {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("sqlite: parse decimal %q: %w", s.String, err)
	}
	return decimal.NewNullDecimal(d), nil
}
