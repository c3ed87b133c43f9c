// Package sqlite implements storage.Store on an embedded SQLite database
// through sqlx and the pure-Go modernc driver. Units of work begin
// IMMEDIATE so a single writer holds the database at a time, and status
// writes additionally compare the row version.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"closetrack/storage"
	"closetrack/transaction"
)

// queries implements storage.Queries over either the database or an open tx.
type queries struct {
	q sqlx.ExtContext
}

// Store implements storage.Store using a local SQLite database.
type Store struct {
	queries
	db *sqlx.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens (or creates) the database at dsn, which may be a file path or
// ":memory:", and runs any pending schema migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	if isMemory(dsn) {
		// Each connection to :memory: would be a separate database.
		db.SetMaxOpenConns(1)
	}

	s := New(db)
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already opened handle without migrating it.
func New(db *sqlx.DB) *Store {
	return &Store{queries: queries{q: db}, db: db}
}

func isMemory(dsn string) bool {
	return dsn == ":memory:" || strings.HasPrefix(dsn, ":memory:?") || strings.Contains(dsn, "mode=memory")
}

// withPragmas adds per-connection settings to the DSN so every pooled
// connection gets them, not only the first one.
func withPragmas(dsn string) string {
	params := []string{
		"_pragma=foreign_keys(1)",
		"_pragma=busy_timeout(5000)",
		"_txlock=immediate",
	}
	if !isMemory(dsn) {
		params = append(params, "_pragma=journal_mode(WAL)")
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

// InTx runs fn in a database transaction.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", translate(err))
	}
	defer sqlTx.Rollback()

	if err := fn(ctx, &Tx{queries: queries{q: sqlTx}}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit tx: %w", translate(err))
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Tx is one open database transaction.
type Tx struct {
	queries
}

var _ storage.Tx = (*Tx)(nil)

// LockTransaction loads the transaction. The IMMEDIATE transaction already
// holds the database write lock, so no row lock is needed.
func (t *Tx) LockTransaction(ctx context.Context, id string) (transaction.Transaction, error) {
	return t.GetTransaction(ctx, id)
}

// translate maps busy and locked database errors onto
// transaction.ErrConcurrentModification.
func translate(err error) error {
	var sqlErr *msqlite.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %s", transaction.ErrConcurrentModification, sqlErr.Error())
		}
	}
	return err
}

// isUniqueViolation reports a UNIQUE or PRIMARY KEY failure on table.
func isUniqueViolation(err error, table string) bool {
	var sqlErr *msqlite.Error
	if !errors.As(err, &sqlErr) || sqlErr.Code()&0xff != sqlite3.SQLITE_CONSTRAINT {
		return false
	}
	return strings.Contains(sqlErr.Error(), "UNIQUE constraint failed: "+table+".")
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toNanos(*t)
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
