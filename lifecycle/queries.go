package lifecycle

import (
	"context"
	"fmt"
	"iter"
	"time"

	"closetrack/activity"
	"closetrack/deadline"
	"closetrack/notification"
	"closetrack/transaction"
)

// Transaction returns the current state of a transaction.
func (e *Engine) Transaction(ctx context.Context, id string) (transaction.Transaction, error) {
	txn, err := e.store.GetTransaction(ctx, id)
	if err != nil {
		return transaction.Transaction{}, fmt.Errorf("lifecycle: get transaction: %w", err)
	}
	return txn, nil
}

// History returns up to limit activity entries, newest first. limit <= 0
// returns all of them.
func (e *Engine) History(ctx context.Context, transactionID string, limit int) ([]activity.Entry, error) {
	if err := e.exists(ctx, transactionID); err != nil {
		return nil, err
	}
	entries, err := activity.NewLog(e.store).History(ctx, transactionID, limit)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: history: %w", err)
	}
	return entries, nil
}

// HistoryPage returns the entries older than beforeSeq (0 for the newest) and
// the cursor for the next page, 0 when there is none.
func (e *Engine) HistoryPage(ctx context.Context, transactionID string, beforeSeq int64, limit int) ([]activity.Entry, int64, error) {
	if err := e.exists(ctx, transactionID); err != nil {
		return nil, 0, err
	}
	entries, next, err := activity.NewLog(e.store).Page(ctx, transactionID, beforeSeq, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("lifecycle: history page: %w", err)
	}
	return entries, next, nil
}

// HistoryAll streams the whole log, newest first.
func (e *Engine) HistoryAll(ctx context.Context, transactionID string) iter.Seq2[activity.Entry, error] {
	return activity.NewLog(e.store).All(ctx, transactionID, 0)
}

func (e *Engine) Deadlines(ctx context.Context, transactionID string) ([]deadline.Deadline, error) {
	if err := e.exists(ctx, transactionID); err != nil {
		return nil, err
	}
	ds, err := deadline.NewTracker(e.store).List(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: deadlines: %w", err)
	}
	return ds, nil
}

// UrgentAndUpcoming returns the open deadlines due within the configured
// horizon of now, soonest first.
func (e *Engine) UrgentAndUpcoming(ctx context.Context, transactionID string, now time.Time) ([]deadline.Deadline, error) {
	if err := e.exists(ctx, transactionID); err != nil {
		return nil, err
	}
	ds, err := deadline.NewTracker(e.store).UrgentAndUpcoming(ctx, transactionID, e.now(now), e.opts.HorizonDays)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: upcoming deadlines: %w", err)
	}
	return ds, nil
}

// Inbox exposes the recipient-facing notification reads.
func (e *Engine) Inbox() *notification.Inbox {
	return notification.NewInbox(e.store)
}

func (e *Engine) exists(ctx context.Context, transactionID string) error {
	if _, err := e.store.GetTransaction(ctx, transactionID); err != nil {
		return fmt.Errorf("lifecycle: load transaction: %w", err)
	}
	return nil
}
