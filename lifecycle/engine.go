// Package lifecycle is the only mutator of transaction status. Each operation
// takes the per-transaction lock, then writes the status, its activity entry,
// seeded deadlines and the resulting notifications in one unit of work.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"closetrack/activity"
	"closetrack/deadline"
	"closetrack/lock"
	"closetrack/metrics"
	"closetrack/notification"
	"closetrack/storage"
	"closetrack/transaction"
)

const (
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 20 * time.Millisecond
)

var (
	ErrMissingActor    = errors.New("lifecycle: actor required")
	ErrNoStatusChange  = errors.New("lifecycle: transaction already has that status")
	ErrMissingDocument = errors.New("lifecycle: document reference required")

	// ErrTransactionClosed rejects new deadlines on closed or cancelled deals,
	// which the urgency sweep no longer visits.
	ErrTransactionClosed = errors.New("lifecycle: transaction is closed or cancelled")
)

type Options struct {
	// MaxRetries bounds the automatic retries after a concurrent modification.
	// Negative disables retrying.
	MaxRetries    int
	RetryBackoff  time.Duration
	HorizonDays   int
	Notifications notification.Options
}

// Engine orchestrates the status graph, deadline tracker, activity log and
// notification dispatcher over a storage.Store.
type Engine struct {
	store  storage.Store
	locker lock.Locker
	opts   Options
	log    *zap.Logger
	tracer trace.Tracer
	clock  func() time.Time
}

// NewEngine wires an engine. A nil locker selects an in-process one.
func NewEngine(store storage.Store, locker lock.Locker, opts Options, log *zap.Logger) *Engine {
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	if opts.HorizonDays <= 0 {
		opts.HorizonDays = deadline.DefaultHorizonDays
	}
	return &Engine{
		store:  store,
		locker: locker,
		opts:   opts,
		log:    log,
		tracer: otel.Tracer("closetrack/lifecycle"),
		clock:  time.Now,
	}
}

// unit groups the per-operation services bound to one database transaction.
type unit struct {
	tx         storage.Tx
	tracker    *deadline.Tracker
	log        *activity.Log
	dispatcher *notification.Dispatcher
}

func (e *Engine) bind(tx storage.Tx) unit {
	return unit{
		tx:         tx,
		tracker:    deadline.NewTracker(tx),
		log:        activity.NewLog(tx),
		dispatcher: notification.NewDispatcher(tx, e.opts.Notifications, e.log),
	}
}

// run serialises fn against other writers of transactionID and retries it
// when storage reports a concurrent modification. A stale expected status is
// the caller's to resolve and is returned immediately.
func (e *Engine) run(ctx context.Context, op, transactionID string, fn func(ctx context.Context, u unit) error) (err error) {
	ctx, span := e.tracer.Start(ctx, "lifecycle."+op, trace.WithAttributes(
		attribute.String("closetrack.transaction_id", transactionID),
	))
	start := time.Now()
	defer func() {
		metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	unlock, err := e.locker.Lock(ctx, transactionID)
	if err != nil {
		return fmt.Errorf("lifecycle: %s: %w", op, err)
	}
	defer unlock()

	for attempt := 0; ; attempt++ {
		err = e.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			return fn(ctx, e.bind(tx))
		})
		if err == nil || !retryable(err) || attempt >= e.opts.MaxRetries {
			return err
		}

		metrics.ConflictRetries.WithLabelValues(op).Inc()
		span.AddEvent("retry", trace.WithAttributes(attribute.Int("attempt", attempt+1)))
		e.log.Debug("retrying after concurrent modification",
			zap.String("operation", op),
			zap.String("transaction_id", transactionID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("lifecycle: %s: %w", op, ctx.Err())
		case <-time.After(e.opts.RetryBackoff * time.Duration(attempt+1)):
		}
	}
}

func retryable(err error) bool {
	var stale *transaction.StaleStatusError
	if errors.As(err, &stale) {
		return false
	}
	return errors.Is(err, transaction.ErrConcurrentModification)
}

func (e *Engine) now(t time.Time) time.Time {
	if t.IsZero() {
		return e.clock().UTC()
	}
	return t.UTC()
}

// reserve records the idempotency key for op on transactionID inside the
// unit of work. It reports true when that key was already used for the same
// operation on the same transaction and the call must not take effect.
func reserve(ctx context.Context, u unit, op, key, transactionID string, now time.Time) (bool, error) {
	if key == "" {
		return false, nil
	}
	err := u.tx.InsertIdempotencyKey(ctx, transactionID, op, key, now)
	if errors.Is(err, transaction.ErrDuplicateIdempotencyKey) {
		return true, nil
	}
	return false, err
}

// observe records an urgency escalation of d and dispatches it.
func (u unit) observe(ctx context.Context, txn transaction.Transaction, d deadline.Deadline, now time.Time) ([]notification.Notification, error) {
	old, current, changed, err := u.tracker.Observe(ctx, d, now)
	if err != nil || !changed {
		return nil, err
	}
	return u.dispatcher.OnDeadlineUrgencyChange(ctx, txn, d, old, current, now)
}
