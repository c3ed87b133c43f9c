package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"closetrack/activity"
	"closetrack/deadline"
	"closetrack/notification"
	"closetrack/transaction"
)

const defaultSweepPage = 100

// CreateDeadline adds a user-defined deadline. A deadline created inside its
// urgent window alerts immediately. Terminal transactions take no new
// deadlines.
func (e *Engine) CreateDeadline(ctx context.Context, req CreateDeadlineRequest) (deadline.Deadline, error) {
	if req.Actor == "" {
		return deadline.Deadline{}, ErrMissingActor
	}
	now := e.now(req.Now)

	var created deadline.Deadline
	err := e.run(ctx, "create_deadline", req.TransactionID, func(ctx context.Context, u unit) error {
		txn, err := u.tx.LockTransaction(ctx, req.TransactionID)
		if err != nil {
			return err
		}
		if txn.Status.Terminal() {
			return fmt.Errorf("%w: status %s", ErrTransactionClosed, txn.Status)
		}
		created, err = u.tracker.Create(ctx, deadline.CreateParams{
			TransactionID: txn.ID,
			Title:         req.Title,
			Description:   req.Description,
			DueDate:       req.DueDate,
			Concerns:      req.Concerns,
			Actor:         req.Actor,
			Now:           now,
		})
		if err != nil {
			return err
		}

		entry := activity.DeadlineCreated(txn.ID, created.ID, req.Actor)
		entry.Timestamp = now
		entry.Description = fmt.Sprintf("Deadline %q created", created.Title)
		if _, err := u.log.Append(ctx, entry); err != nil {
			return err
		}
		if _, err := u.observe(ctx, txn, created, now); err != nil {
			return err
		}
		created, err = u.tx.GetDeadline(ctx, created.ID)
		return err
	})
	if err != nil {
		return deadline.Deadline{}, fmt.Errorf("lifecycle: create deadline: %w", err)
	}
	return created, nil
}

// CompleteDeadline marks a deadline of the transaction done. Only the first
// completion is logged and notified; later calls return the stored record.
func (e *Engine) CompleteDeadline(ctx context.Context, req CompleteDeadlineRequest) (deadline.Deadline, error) {
	if req.Actor == "" {
		return deadline.Deadline{}, ErrMissingActor
	}
	now := e.now(req.Now)

	var result deadline.Deadline
	err := e.run(ctx, "complete_deadline", req.TransactionID, func(ctx context.Context, u unit) error {
		dup, err := reserve(ctx, u, "complete_deadline", req.IdempotencyKey, req.TransactionID, now)
		if err != nil {
			return err
		}
		txn, err := u.tx.LockTransaction(ctx, req.TransactionID)
		if err != nil {
			return err
		}
		d, err := u.tx.GetDeadline(ctx, req.DeadlineID)
		if err != nil {
			return err
		}
		if d.TransactionID != txn.ID {
			return transaction.NotFound("deadline", req.DeadlineID)
		}
		if dup {
			result = d
			return nil
		}

		d, changed, err := u.tracker.Complete(ctx, d.ID, req.Actor, now)
		if err != nil {
			return err
		}
		result = d
		if !changed {
			return nil
		}

		entry := activity.DeadlineCompleted(txn.ID, d.ID, req.Actor)
		entry.Timestamp = now
		entry.Description = fmt.Sprintf("Deadline %q completed", d.Title)
		entry, err = u.log.Append(ctx, entry)
		if err != nil {
			return err
		}
		_, err = u.dispatcher.OnActivity(ctx, txn, entry)
		return err
	})
	if err != nil {
		return deadline.Deadline{}, fmt.Errorf("lifecycle: complete deadline: %w", err)
	}
	return result, nil
}

// SweepDeadlines evaluates every open deadline of the transaction at now and
// dispatches each first crossing into urgent or overdue. Deadlines of closed
// or cancelled transactions are not swept.
func (e *Engine) SweepDeadlines(ctx context.Context, transactionID string, now time.Time) ([]notification.Notification, error) {
	now = e.now(now)

	var created []notification.Notification
	err := e.run(ctx, "sweep_deadlines", transactionID, func(ctx context.Context, u unit) error {
		created = nil
		txn, err := u.tx.LockTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if txn.Status.Terminal() {
			return nil
		}
		all, err := u.tracker.List(ctx, transactionID)
		if err != nil {
			return err
		}
		for _, d := range all {
			if d.IsCompleted {
				continue
			}
			ns, err := u.observe(ctx, txn, d, now)
			if err != nil {
				return err
			}
			created = append(created, ns...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("lifecycle: sweep deadlines: %w", err)
	}
	return created, nil
}

// SweepAll runs SweepDeadlines over every transaction, pageSize ids at a
// time. A failing transaction does not stop the sweep; the failures are
// joined into the returned error.
func (e *Engine) SweepAll(ctx context.Context, now time.Time, pageSize int) (int, error) {
	if pageSize <= 0 {
		pageSize = defaultSweepPage
	}
	var (
		total int
		errs  []error
		after string
	)
	for {
		ids, err := e.store.ListTransactionIDs(ctx, after, pageSize)
		if err != nil {
			return total, fmt.Errorf("lifecycle: sweep all: %w", err)
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return total, fmt.Errorf("lifecycle: sweep all: %w", err)
			}
			ns, err := e.SweepDeadlines(ctx, id, now)
			if err != nil {
				e.log.Warn("deadline sweep failed", zap.String("transaction_id", id), zap.Error(err))
				errs = append(errs, err)
				continue
			}
			total += len(ns)
		}
		if len(ids) < pageSize {
			break
		}
		after = ids[len(ids)-1]
	}

	if total > 0 {
		e.log.Info("deadline sweep dispatched notifications", zap.Int("count", total))
	}
	return total, errors.Join(errs...)
}
