package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"closetrack/storage"
	"closetrack/transaction"
)

const selectTransactionSQL = `
SELECT id, status, COALESCE(cancelled_from, ''), version, property_address,
       contract_date, inspection_date, appraisal_date, mortgage_commitment_date,
       attorney_review_date, closing_date,
       list_price::text, sale_price::text, commission_rate::text,
       created_at, updated_at
FROM transactions
WHERE id = $1
`

func (q queries) GetTransaction(ctx context.Context, id string) (transaction.Transaction, error) {
	return q.loadTransaction(ctx, id, false)
}

func (q queries) loadTransaction(ctx context.Context, id string, forUpdate bool) (transaction.Transaction, error) {
	sql := selectTransactionSQL
	if forUpdate {
		sql += "FOR UPDATE"
	}

	var (
		t                          transaction.Transaction
		status, cancelledFrom      string
		listPrice, salePrice, rate *string
	)
	m := &t.Milestones
	err := q.q.QueryRow(ctx, sql, id).Scan(
		&t.ID, &status, &cancelledFrom, &t.Version, &t.PropertyAddress,
		&m.ContractDate, &m.InspectionDate, &m.AppraisalDate, &m.MortgageCommitmentDate,
		&m.AttorneyReviewDate, &m.ClosingDate,
		&listPrice, &salePrice, &rate,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return transaction.Transaction{}, transaction.NotFound("transaction", id)
		}
		return transaction.Transaction{}, fmt.Errorf("postgres: load transaction: %w", translate(err))
	}
	t.Status = transaction.Status(status)
	t.CancelledFrom = transaction.Status(cancelledFrom)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	for _, ts := range []**time.Time{&m.ContractDate, &m.InspectionDate, &m.AppraisalDate, &m.MortgageCommitmentDate, &m.AttorneyReviewDate, &m.ClosingDate} {
		if *ts != nil {
			utc := (*ts).UTC()
			*ts = &utc
		}
	}

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
	rows, err := q.q.Query(ctx, `
SELECT participant_key, role, email, phone
FROM participants
WHERE transaction_id = $1
ORDER BY position
`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list participants: %w", translate(err))
	}
	defer rows.Close()

	var out []transaction.Participant
	for rows.Next() {
		var (
			p    transaction.Participant
			role string
		)
		if err := rows.Scan(&p.Key, &role, &p.Email, &p.Phone); err != nil {
			return nil, fmt.Errorf("postgres: scan participant: %w", err)
		}
		p.Role = transaction.Role(role)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate participants: %w", translate(err))
	}
	return out, nil
}

func (q queries) InsertTransaction(ctx context.Context, t transaction.Transaction) error {
	const insertSQL = `
INSERT INTO transactions (
    id, status, cancelled_from, version, property_address,
    contract_date, inspection_date, appraisal_date, mortgage_commitment_date,
    attorney_review_date, closing_date,
    list_price, sale_price, commission_rate, created_at, updated_at)
VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11,
        $12::text::numeric, $13::text::numeric, $14::text::numeric, $15, $16)
`
	m := t.Milestones
	_, err := q.q.Exec(ctx, insertSQL,
		t.ID, string(t.Status), string(t.CancelledFrom), t.Version, t.PropertyAddress,
		m.ContractDate, m.InspectionDate, m.AppraisalDate, m.MortgageCommitmentDate,
		m.AttorneyReviewDate, m.ClosingDate,
		decimalArg(t.ListPrice), decimalArg(t.SalePrice), decimalArg(t.CommissionRate),
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "transactions_pkey") {
			return storage.ErrDuplicateTransaction
		}
		return fmt.Errorf("postgres: insert transaction: %w", translate(err))
	}

	for _, p := range t.Participants {
		if err := q.InsertParticipant(ctx, t.ID, p); err != nil {
			return err
		}
	}
	return nil
}

func (q queries) InsertParticipant(ctx context.Context, transactionID string, p transaction.Participant) error {
	_, err := q.q.Exec(ctx, `
INSERT INTO participants (transaction_id, role, participant_key, email, phone)
VALUES ($1, $2, $3, $4, $5)
`, transactionID, string(p.Role), p.Key, p.Email, p.Phone)
	if err != nil {
		if isUniqueViolation(err, "participants_pkey") {
			return fmt.Errorf("%w: %s", transaction.ErrDuplicateRole, p.Role)
		}
		return fmt.Errorf("postgres: insert participant: %w", translate(err))
	}
	return nil
}

func (q queries) UpdateTransactionStatus(ctx context.Context, u storage.StatusUpdate) (int64, error) {
	const updateSQL = `
UPDATE transactions
SET status = $3,
    cancelled_from = NULLIF($4, ''),
    version = version + 1,
    updated_at = $5
WHERE id = $1 AND version = $2
RETURNING version
`
	var version int64
	err := q.q.QueryRow(ctx, updateSQL, u.TransactionID, u.Version, string(u.Status), string(u.CancelledFrom), u.At).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, transaction.ErrConcurrentModification
		}
		return 0, fmt.Errorf("postgres: update status: %w", translate(err))
	}
	return version, nil
}

// InsertIdempotencyKey uses ON CONFLICT so a replay leaves the surrounding
// database transaction usable.
func (q queries) InsertIdempotencyKey(ctx context.Context, transactionID, operation, key string, at time.Time) error {
	if key == "" {
		return fmt.Errorf("postgres: empty idempotency key")
	}
	tag, err := q.q.Exec(ctx, `
INSERT INTO idempotency_keys (transaction_id, operation, key, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (transaction_id, operation, key) DO NOTHING
`, transactionID, operation, key, at)
	if err != nil {
		return fmt.Errorf("postgres: insert idempotency key: %w", translate(err))
	}
	if tag.RowsAffected() == 0 {
		return transaction.ErrDuplicateIdempotencyKey
	}
	return nil
}

func (q queries) ListTransactionIDs(ctx context.Context, after string, limit int) ([]string, error) {
	rows, err := q.q.Query(ctx, `SELECT id FROM transactions WHERE id > $1 ORDER BY id LIMIT $2`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transaction ids: %w", translate(err))
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: collect transaction ids: %w", translate(err))
	}
	return ids, nil
}

func decimalArg(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func parseDecimal(s *string) (decimal.NullDecimal, error) {
	if s == nil {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("postgres: parse decimal %q: %w", *s, err)
	}
	return decimal.NewNullDecimal(d), nil
}
