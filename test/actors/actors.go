// Package actors drives the lifecycle engine from many goroutines at once.
// Each actor loops until ctx is done or stop closes, tolerating the errors
// contention and chaos are expected to produce.
package actors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"closetrack/deadline"
	"closetrack/lifecycle"
	"closetrack/notification"
	"closetrack/transaction"
)

// Transitioner moves random deals forward, sometimes asking for a status the
// graph forbids.
func Transitioner(ctx context.Context, eng *lifecycle.Engine, ids []string, actor string, stop <-chan struct{}) error {
	statuses := transaction.Statuses()
	return loop(ctx, stop, "transitioner", 5, 20, func() error {
		id := pick(ids)
		txn, err := eng.Transaction(ctx, id)
		if err != nil {
			return err
		}
		next := transaction.AllowedNext(txn.Status)
		var to transaction.Status
		switch {
		case rand.Intn(6) == 0:
			to = statuses[rand.Intn(len(statuses))]
		case len(next) == 0:
			return nil
		default:
			// cancel rarely so most deals walk the full path
			to = next[0]
			if len(next) > 1 && rand.Intn(20) == 0 {
				to = next[len(next)-1]
			}
		}
		_, err = eng.Transition(ctx, lifecycle.TransitionRequest{
			TransactionID:  id,
			To:             to,
			Actor:          actor,
			ExpectedStatus: txn.Status,
			IdempotencyKey: fmt.Sprintf("%s:%s:%d", id, to, rand.Intn(3)),
		})
		return err
	})
}

// DeadlineCompleter races to complete open deadlines, replaying keys now
// and then.
func DeadlineCompleter(ctx context.Context, eng *lifecycle.Engine, ids []string, actor string, stop <-chan struct{}) error {
	return loop(ctx, stop, "deadline completer", 10, 30, func() error {
		id := pick(ids)
		deadlines, err := eng.Deadlines(ctx, id)
		if err != nil || len(deadlines) == 0 {
			return err
		}
		d := deadlines[rand.Intn(len(deadlines))]
		_, err = eng.CompleteDeadline(ctx, lifecycle.CompleteDeadlineRequest{
			TransactionID:  id,
			DeadlineID:     d.ID,
			Actor:          actor,
			IdempotencyKey: fmt.Sprintf("complete:%s:%d", d.ID, rand.Intn(2)),
		})
		return err
	})
}

// Noter appends notes and manual deadlines so the activity sequence sees
// writers that never touch status.
func Noter(ctx context.Context, eng *lifecycle.Engine, ids []string, actor string, stop <-chan struct{}) error {
	return loop(ctx, stop, "noter", 5, 15, func() error {
		id := pick(ids)
		if rand.Intn(4) == 0 {
			_, err := eng.CreateDeadline(ctx, lifecycle.CreateDeadlineRequest{
				TransactionID: id,
				Title:         fmt.Sprintf("Follow-up %d", rand.Intn(8)),
				DueDate:       time.Now().UTC().Add(time.Duration(rand.Intn(240)-24) * time.Hour),
				Concerns:      []transaction.Role{transaction.RoleAgent},
				Actor:         actor,
			})
			return err
		}
		_, err := eng.AddNote(ctx, lifecycle.AddNoteRequest{
			TransactionID: id,
			Text:          fmt.Sprintf("checked in %d", rand.Int63()),
			Actor:         actor,
		})
		return err
	})
}

// Sweeper runs the deadline sweep at a clock that wanders across two weeks,
// so deadlines cross urgency bands in both directions.
func Sweeper(ctx context.Context, eng *lifecycle.Engine, stop <-chan struct{}) error {
	return loop(ctx, stop, "sweeper", 100, 300, func() error {
		now := time.Now().UTC().Add(time.Duration(rand.Intn(14*24)) * time.Hour)
		_, err := eng.SweepAll(ctx, now, 4)
		return err
	})
}

// FlakyChannel accepts every delivery it is handed and fails a share of
// them on purpose.
type FlakyChannel struct {
	Channel notification.ChannelName
	// FailEvery fails roughly one send in FailEvery; zero never fails.
	FailEvery int
	Sent      atomic.Int64
}

func (c *FlakyChannel) Name() notification.ChannelName { return c.Channel }

func (c *FlakyChannel) Send(ctx context.Context, d notification.Delivery, n notification.Notification) error {
	if c.FailEvery > 0 && rand.Intn(c.FailEvery) == 0 {
		return fmt.Errorf("flaky %s: refused %s", c.Channel, d.ID)
	}
	c.Sent.Add(1)
	return nil
}

// Relay drains the delivery outbox the way cmd/relay does.
func Relay(ctx context.Context, relay *notification.Relay, stop <-chan struct{}) error {
	return loop(ctx, stop, "relay", 20, 60, func() error {
		_, err := relay.ProcessBatch(ctx, time.Now().UTC())
		return err
	})
}

func loop(ctx context.Context, stop <-chan struct{}, name string, minMS, maxMS int, step func() error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := step(); err != nil && !Expected(err) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%s: %w", name, err)
		}
		time.Sleep(time.Duration(minMS+rand.Intn(maxMS-minMS+1)) * time.Millisecond)
	}
}

// Expected reports whether err is an outcome contention or a killed backend
// can legitimately produce. Joined errors qualify only if every part does.
func Expected(err error) bool {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if !Expected(e) {
				return false
			}
		}
		return true
	}
	switch {
	case errors.Is(err, transaction.ErrInvalidTransition),
		errors.Is(err, transaction.ErrConcurrentModification),
		errors.Is(err, deadline.ErrDuplicateTitle),
		errors.Is(err, lifecycle.ErrTransactionClosed):
		return true
	}
	return ConnectionLost(err)
}

// ConnectionLost matches the errors pg_terminate_backend leaves behind.
func ConnectionLost(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "57") || strings.HasPrefix(pgErr.Code, "08")
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "conn closed") || strings.Contains(msg, "connection reset")
}

func pick(ids []string) string { return ids[rand.Intn(len(ids))] }
