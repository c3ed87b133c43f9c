// Package postgres implements storage.Store on PostgreSQL with pgx. Status
// writes are serialised by a row lock on the transaction taken with
// SELECT ... FOR UPDATE.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"closetrack/storage"
	"closetrack/transaction"
)

const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB abstracts *pgxpool.Pool for testability.
type DB interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// queries implements storage.Queries over either the pool or an open tx.
type queries struct {
	q querier
}

type Store struct {
	queries
	db DB
}

var _ storage.Store = (*Store)(nil)

func New(db DB) *Store {
	return &Store{queries: queries{q: db}, db: db}
}

// InTx runs fn in a database transaction.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	pgTx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", translate(err))
	}
	defer pgTx.Rollback(ctx)

	if err := fn(ctx, &Tx{queries: queries{q: pgTx}}); err != nil {
		return err
	}

	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", translate(err))
	}
	return nil
}

// Close closes the pool when it supports it.
func (s *Store) Close() error {
	if c, ok := s.db.(interface{ Close() }); ok {
		c.Close()
	}
	return nil
}

// Tx is one open database transaction.
type Tx struct {
	queries
}

var _ storage.Tx = (*Tx)(nil)

// LockTransaction loads the transaction row with FOR UPDATE so concurrent
// writers of the same transaction queue behind this unit of work.
func (t *Tx) LockTransaction(ctx context.Context, id string) (transaction.Transaction, error) {
	return t.loadTransaction(ctx, id, true)
}

// translate maps driver errors that mean "retry against fresh state" onto
// transaction.ErrConcurrentModification.
func translate(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected:
			return fmt.Errorf("%w: %s", transaction.ErrConcurrentModification, pgErr.Message)
		}
	}
	return err
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != codeUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
