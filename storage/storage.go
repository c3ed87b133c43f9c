// Package storage defines the persistence contracts of the lifecycle engine.
// The postgres and sqlite subpackages implement them.
package storage

import (
	"context"
	"errors"
	"time"

	"closetrack/activity"
	"closetrack/deadline"
	"closetrack/notification"
	"closetrack/transaction"
)

// ErrDuplicateTransaction is returned when a transaction id is already taken.
var ErrDuplicateTransaction = errors.New("storage: duplicate transaction id")

// StatusUpdate is a compare-and-set write of a transaction's status. It fails
// with transaction.ErrConcurrentModification when Version is no longer current.
type StatusUpdate struct {
	TransactionID string
	Version       int64
	Status        transaction.Status
	CancelledFrom transaction.Status
	At            time.Time
}

// Queries is every read and write the engine issues. Both a Store and a Tx
// implement it; on a Store each call runs in its own implicit transaction.
type Queries interface {
	GetTransaction(ctx context.Context, id string) (transaction.Transaction, error)
	InsertTransaction(ctx context.Context, t transaction.Transaction) error
	// UpdateTransactionStatus returns the new version.
	UpdateTransactionStatus(ctx context.Context, u StatusUpdate) (int64, error)
	InsertParticipant(ctx context.Context, transactionID string, p transaction.Participant) error
	// InsertIdempotencyKey reserves key for one operation on one transaction
	// and returns transaction.ErrDuplicateIdempotencyKey when that triple was
	// already used. The same key on another transaction or operation is fresh.
	InsertIdempotencyKey(ctx context.Context, transactionID, operation, key string, at time.Time) error
	// ListTransactionIDs pages through transaction ids in ascending order, after the given id.
	ListTransactionIDs(ctx context.Context, after string, limit int) ([]string, error)

	deadline.Store
	activity.Store
	notification.Store
	notification.InboxStore
	notification.OutboxStore
}

// Tx is one unit of work.
type Tx interface {
	Queries
	// LockTransaction loads the transaction and holds it exclusively until
	// the unit of work ends.
	LockTransaction(ctx context.Context, id string) (transaction.Transaction, error)
}

// Store opens units of work. InTx commits when fn returns nil and rolls back
// otherwise. Driver serialization failures surface as
// transaction.ErrConcurrentModification.
type Store interface {
	Queries
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Close() error
}
