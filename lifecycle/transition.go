package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"closetrack/activity"
	"closetrack/metrics"
	"closetrack/storage"
	"closetrack/transaction"
)

// CreateTransaction stores a new draft with one participant_added entry per
// participant.
func (e *Engine) CreateTransaction(ctx context.Context, req CreateTransactionRequest) (transaction.Transaction, error) {
	if req.Actor == "" {
		return transaction.Transaction{}, ErrMissingActor
	}
	if err := req.Validate(); err != nil {
		return transaction.Transaction{}, err
	}
	now := e.now(req.Now)
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	txn := transaction.Transaction{
		ID:              id,
		Status:          transaction.StatusDraft,
		Version:         1,
		PropertyAddress: req.PropertyAddress,
		Participants:    append([]transaction.Participant(nil), req.Participants...),
		Milestones:      req.Milestones,
		ListPrice:       req.ListPrice,
		SalePrice:       req.SalePrice,
		CommissionRate:  req.CommissionRate,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := e.run(ctx, "create_transaction", id, func(ctx context.Context, u unit) error {
		if err := u.tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		for _, p := range txn.Participants {
			entry := activity.ParticipantAdded(id, p.Role, req.Actor)
			entry.Timestamp = now
			if _, err := u.log.Append(ctx, entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return transaction.Transaction{}, fmt.Errorf("lifecycle: create transaction: %w", err)
	}

	e.log.Info("transaction created",
		zap.String("transaction_id", id),
		zap.String("actor", req.Actor),
	)
	return txn, nil
}

// Transition moves a transaction along the status graph. In one unit of work
// it writes the status, its status_changed entry, the deadline seeded by the
// new status and the resulting notifications. Cancelling records the status
// the deal was cancelled from so its progress stays where it was.
func (e *Engine) Transition(ctx context.Context, req TransitionRequest) (transaction.Transaction, error) {
	if req.Actor == "" {
		return transaction.Transaction{}, ErrMissingActor
	}
	now := e.now(req.Now)

	var (
		result   transaction.Transaction
		replayed bool
	)
	err := e.run(ctx, "transition", req.TransactionID, func(ctx context.Context, u unit) error {
		result, replayed = transaction.Transaction{}, false

		dup, err := reserve(ctx, u, "transition", req.IdempotencyKey, req.TransactionID, now)
		if err != nil {
			return err
		}
		current, err := u.tx.LockTransaction(ctx, req.TransactionID)
		if err != nil {
			return err
		}
		if dup {
			result, replayed = current, true
			return nil
		}

		if req.ExpectedStatus != "" && current.Status != req.ExpectedStatus {
			return &transaction.StaleStatusError{Expected: req.ExpectedStatus, Actual: current.Status}
		}
		if !transaction.IsValidTransition(current.Status, req.To) {
			return &transaction.InvalidTransitionError{From: current.Status, To: req.To}
		}

		result, err = e.applyStatus(ctx, u, current, req.To, req.Actor, "", false, now)
		return err
	})

	metrics.TransitionsTotal.WithLabelValues(string(req.To), transitionResult(err, replayed)).Inc()
	if err != nil {
		return transaction.Transaction{}, fmt.Errorf("lifecycle: transition: %w", err)
	}
	if !replayed {
		e.log.Info("transaction status changed",
			zap.String("transaction_id", req.TransactionID),
			zap.String("to", string(result.Status)),
			zap.String("actor", req.Actor),
		)
	}
	return result, nil
}

// ForceSetStatus sets any known status regardless of the graph. The change is
// audited like a normal transition with the entry marked forced.
func (e *Engine) ForceSetStatus(ctx context.Context, req ForceStatusRequest) (transaction.Transaction, error) {
	if req.Actor == "" {
		return transaction.Transaction{}, ErrMissingActor
	}
	if !req.To.Valid() {
		return transaction.Transaction{}, fmt.Errorf("lifecycle: force status: unknown status %q", req.To)
	}
	now := e.now(req.Now)

	var result transaction.Transaction
	err := e.run(ctx, "force_status", req.TransactionID, func(ctx context.Context, u unit) error {
		current, err := u.tx.LockTransaction(ctx, req.TransactionID)
		if err != nil {
			return err
		}
		if current.Status == req.To {
			return ErrNoStatusChange
		}
		result, err = e.applyStatus(ctx, u, current, req.To, req.Actor, req.Reason, true, now)
		return err
	})

	metrics.TransitionsTotal.WithLabelValues(string(req.To), transitionResult(err, false)).Inc()
	if err != nil {
		return transaction.Transaction{}, fmt.Errorf("lifecycle: force status: %w", err)
	}
	e.log.Warn("transaction status forced",
		zap.String("transaction_id", req.TransactionID),
		zap.String("to", string(req.To)),
		zap.String("actor", req.Actor),
		zap.String("reason", req.Reason),
	)
	return result, nil
}

// applyStatus performs the writes shared by Transition and ForceSetStatus.
func (e *Engine) applyStatus(ctx context.Context, u unit, current transaction.Transaction, to transaction.Status, actor, reason string, forced bool, now time.Time) (transaction.Transaction, error) {
	from := current.Status
	cancelledFrom := current.CancelledFrom
	switch {
	case to == transaction.StatusCancelled && from != transaction.StatusCancelled:
		cancelledFrom = from
	case to != transaction.StatusCancelled:
		cancelledFrom = ""
	}

	version, err := u.tx.UpdateTransactionStatus(ctx, storage.StatusUpdate{
		TransactionID: current.ID,
		Version:       current.Version,
		Status:        to,
		CancelledFrom: cancelledFrom,
		At:            now,
	})
	if err != nil {
		return transaction.Transaction{}, err
	}
	next := current
	next.Status = to
	next.CancelledFrom = cancelledFrom
	next.Version = version
	next.UpdatedAt = now

	entry := activity.StatusChanged(current.ID, from, to, actor)
	entry.Forced = forced
	entry.Text = reason
	entry.Timestamp = now
	entry, err = u.log.Append(ctx, entry)
	if err != nil {
		return transaction.Transaction{}, err
	}

	seeded, err := u.tracker.SeedForStatus(ctx, next, to, actor, now)
	if err != nil {
		return transaction.Transaction{}, err
	}
	for _, d := range seeded {
		created := activity.DeadlineCreated(current.ID, d.ID, actor)
		created.Timestamp = now
		created.Description = fmt.Sprintf("Deadline %q created", d.Title)
		if _, err := u.log.Append(ctx, created); err != nil {
			return transaction.Transaction{}, err
		}
	}

	if _, err := u.dispatcher.OnActivity(ctx, next, entry); err != nil {
		return transaction.Transaction{}, err
	}
	for _, d := range seeded {
		if _, err := u.observe(ctx, next, d, now); err != nil {
			return transaction.Transaction{}, err
		}
	}
	return next, nil
}

func transitionResult(err error, replayed bool) string {
	switch {
	case replayed:
		return "replayed"
	case err == nil:
		return "ok"
	case errors.Is(err, transaction.ErrInvalidTransition):
		return "invalid"
	case errors.Is(err, transaction.ErrConcurrentModification):
		return "conflict"
	default:
		return "error"
	}
}
