package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"

	"closetrack/activity"
	"closetrack/deadline"
	"closetrack/lock"
	"closetrack/notification"
	"closetrack/storage"
	"closetrack/storage/sqlite"
	"closetrack/transaction"
)

var (
	jan20      = time.Date(2024, 1, 20, 9, 0, 0, 0, time.UTC)
	jan24      = time.Date(2024, 1, 24, 9, 0, 0, 0, time.UTC)
	inspection = time.Date(2024, 1, 25, 0, 0, 0, 0, time.UTC)
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newEngine(t *testing.T, store storage.Store) *Engine {
	t.Helper()
	return NewEngine(store, lock.NewLocalLocker(), Options{RetryBackoff: time.Millisecond}, zaptest.NewLogger(t))
}

func createDeal(t *testing.T, e *Engine) transaction.Transaction {
	t.Helper()
	at := inspection
	txn, err := e.CreateTransaction(context.Background(), CreateTransactionRequest{
		CreateParams: transaction.CreateParams{
			PropertyAddress: "12 Elm St",
			Participants: []transaction.Participant{
				{Key: "agent-1", Role: transaction.RoleAgent, Email: "agent@example.com"},
				{Key: "buyer-1", Role: transaction.RoleBuyer},
				{Key: "seller-1", Role: transaction.RoleSeller},
			},
			Milestones:     transaction.Milestones{InspectionDate: &at},
			SalePrice:      decimal.NewNullDecimal(decimal.RequireFromString("450000")),
			CommissionRate: decimal.NewNullDecimal(decimal.RequireFromString("3")),
		},
		Actor: "agent-1",
		Now:   jan20,
	})
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	return txn
}

// walk applies each status in order as the agent.
func walk(t *testing.T, e *Engine, id string, now time.Time, statuses ...transaction.Status) transaction.Transaction {
	t.Helper()
	var txn transaction.Transaction
	for _, s := range statuses {
		var err error
		txn, err = e.Transition(context.Background(), TransitionRequest{TransactionID: id, To: s, Actor: "agent-1", Now: now})
		if err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	return txn
}

func countKind(entries []activity.Entry, kind activity.Kind) int {
	n := 0
	for _, e := range entries {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func inbox(t *testing.T, e *Engine, recipient string) []notification.Notification {
	t.Helper()
	page, err := e.Inbox().List(context.Background(), recipient, 100, "")
	if err != nil {
		t.Fatalf("inbox %s: %v", recipient, err)
	}
	return page.Notifications
}

func ofType(ns []notification.Notification, typ notification.Type) []notification.Notification {
	var out []notification.Notification
	for _, n := range ns {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

func TestCreateTransaction(t *testing.T) {
	e := newEngine(t, newStore(t))
	txn := createDeal(t, e)

	if txn.Status != transaction.StatusDraft || txn.Version != 1 || txn.ID == "" {
		t.Fatalf("unexpected transaction %+v", txn)
	}
	history, err := e.History(context.Background(), txn.ID, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if got := countKind(history, activity.KindParticipantAdded); got != 3 {
		t.Fatalf("expected 3 participant entries, got %d", got)
	}

	_, err = e.CreateTransaction(context.Background(), CreateTransactionRequest{
		CreateParams: transaction.CreateParams{Participants: []transaction.Participant{{Key: "buyer-1", Role: transaction.RoleBuyer}}},
		Actor:        "agent-1",
	})
	if !errors.Is(err, transaction.ErrAgentRequired) {
		t.Fatalf("expected ErrAgentRequired, got %v", err)
	}
}

func TestTransition_SkippingAStatusIsRejected(t *testing.T) {
	e := newEngine(t, newStore(t))
	txn := createDeal(t, e)

	_, err := e.Transition(context.Background(), TransitionRequest{
		TransactionID: txn.ID, To: transaction.StatusUnderContract, Actor: "agent-1", Now: jan20,
	})
	var invalid *transaction.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if invalid.From != transaction.StatusDraft || invalid.To != transaction.StatusUnderContract {
		t.Fatalf("unexpected error fields %+v", invalid)
	}

	got := walk(t, e, txn.ID, jan20, transaction.StatusOfferSubmitted, transaction.StatusUnderContract)
	if got.Status != transaction.StatusUnderContract || got.Version != 3 {
		t.Fatalf("unexpected state %+v", got)
	}

	history, _ := e.History(context.Background(), txn.ID, 0)
	if countKind(history, activity.KindStatusChanged) != 2 {
		t.Fatalf("rejected transition must not be logged: %+v", history)
	}
}

func TestTransition_SeedsUrgentInspectionDeadline(t *testing.T) {
	e := newEngine(t, newStore(t))
	ctx := context.Background()
	txn := createDeal(t, e)
	walk(t, e, txn.ID, jan24, transaction.StatusOfferSubmitted, transaction.StatusUnderContract, transaction.StatusInspection)

	ds, err := e.Deadlines(ctx, txn.ID)
	if err != nil {
		t.Fatalf("deadlines: %v", err)
	}
	if len(ds) != 1 || ds[0].Title != "Home Inspection" || !ds[0].DueDate.Equal(inspection) {
		t.Fatalf("expected seeded inspection deadline, got %+v", ds)
	}
	if u := deadline.UrgencyOf(ds[0], jan24); u != deadline.UrgencyUrgent {
		t.Fatalf("expected urgent, got %s", u)
	}
	if ds[0].NotifiedUrgency != deadline.UrgencyUrgent {
		t.Fatalf("expected urgency to be recorded, got %q", ds[0].NotifiedUrgency)
	}

	if got := ofType(inbox(t, e, "agent-1"), notification.TypeDeadline); len(got) != 1 {
		t.Fatalf("expected one deadline notification for the agent, got %d", len(got))
	}
	if got := ofType(inbox(t, e, "seller-1"), notification.TypeDeadline); len(got) != 0 {
		t.Fatalf("seller is not concerned by the inspection, got %d", len(got))
	}

	history, _ := e.History(ctx, txn.ID, 0)
	if countKind(history, activity.KindDeadlineCreated) != 1 {
		t.Fatalf("expected one deadline_created entry")
	}

	upcoming, err := e.UrgentAndUpcoming(ctx, txn.ID, jan24)
	if err != nil || len(upcoming) != 1 {
		t.Fatalf("upcoming: %+v %v", upcoming, err)
	}
}

func TestTransition_StatusNotificationsSkipActor(t *testing.T) {
	e := newEngine(t, newStore(t))
	txn := createDeal(t, e)
	walk(t, e, txn.ID, jan20, transaction.StatusOfferSubmitted)

	if got := ofType(inbox(t, e, "agent-1"), notification.TypeStatusUpdate); len(got) != 0 {
		t.Fatalf("actor must not be notified of their own change, got %d", len(got))
	}
	for _, who := range []string{"buyer-1", "seller-1"} {
		if got := ofType(inbox(t, e, who), notification.TypeStatusUpdate); len(got) != 1 {
			t.Fatalf("%s: expected one status update, got %d", who, len(got))
		}
	}
}

func TestTransition_ClosingNotifiesEveryone(t *testing.T) {
	e := newEngine(t, newStore(t))
	txn := createDeal(t, e)
	walk(t, e, txn.ID, jan20,
		transaction.StatusOfferSubmitted, transaction.StatusUnderContract, transaction.StatusInspection,
		transaction.StatusAppraisal, transaction.StatusMortgageCommitment, transaction.StatusAttorneyReview,
		transaction.StatusClosingScheduled, transaction.StatusClosed,
	)

	for _, who := range []string{"agent-1", "buyer-1", "seller-1"} {
		if got := ofType(inbox(t, e, who), notification.TypeMilestone); len(got) != 1 {
			t.Fatalf("%s: expected one milestone, got %d", who, len(got))
		}
	}

	_, err := e.Transition(context.Background(), TransitionRequest{
		TransactionID: txn.ID, To: transaction.StatusCancelled, Actor: "agent-1", Now: jan20,
	})
	if !errors.Is(err, transaction.ErrInvalidTransition) {
		t.Fatalf("closed is terminal, got %v", err)
	}
}

func TestTransition_HistoryIsMonotonic(t *testing.T) {
	e := newEngine(t, newStore(t))
	ctx := context.Background()
	txn := createDeal(t, e)
	walk(t, e, txn.ID, jan20, transaction.StatusOfferSubmitted, transaction.StatusUnderContract, transaction.StatusInspection)

	before, err := e.History(ctx, txn.ID, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if _, err := e.AddNote(ctx, AddNoteRequest{TransactionID: txn.ID, Text: "buyer asked for radon test", Actor: "agent-1", Now: jan20}); err != nil {
		t.Fatalf("note: %v", err)
	}
	after, err := e.History(ctx, txn.ID, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(after) != len(before)+1 {
		t.Fatalf("expected one more entry, got %d vs %d", len(after), len(before))
	}
	// newest first: the old log is a suffix of the new one
	for i := range before {
		if after[i+1].Seq != before[i].Seq || after[i+1].Kind != before[i].Kind {
			t.Fatalf("history rewritten at %d: %+v vs %+v", i, after[i+1], before[i])
		}
	}

	prev := transaction.StatusDraft
	for i := len(after) - 1; i >= 0; i-- {
		if after[i].Kind != activity.KindStatusChanged {
			continue
		}
		if after[i].From != prev || after[i].To.Ordinal() != prev.Ordinal()+1 {
			t.Fatalf("non-monotonic step %s -> %s after %s", after[i].From, after[i].To, prev)
		}
		prev = after[i].To
	}
}

func TestTransition_CancelFreezesProgress(t *testing.T) {
	e := newEngine(t, newStore(t))
	txn := createDeal(t, e)
	walk(t, e, txn.ID, jan20, transaction.StatusOfferSubmitted, transaction.StatusUnderContract)
	progress := transaction.StatusUnderContract.Progress()

	got := walk(t, e, txn.ID, jan20, transaction.StatusCancelled)
	if got.CancelledFrom != transaction.StatusUnderContract || got.Progress() != progress {
		t.Fatalf("expected progress frozen at %d, got %+v (%d)", progress, got, got.Progress())
	}

	stored, err := e.Transaction(context.Background(), txn.ID)
	if err != nil || stored.CancelledFrom != transaction.StatusUnderContract {
		t.Fatalf("stored: %+v %v", stored, err)
	}
}

func TestTransition_IdempotencyKeyReplays(t *testing.T) {
	e := newEngine(t, newStore(t))
	ctx := context.Background()
	txn := createDeal(t, e)

	req := TransitionRequest{TransactionID: txn.ID, To: transaction.StatusOfferSubmitted, Actor: "agent-1", Now: jan20, IdempotencyKey: "req-1"}
	first, err := e.Transition(ctx, req)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := e.Transition(ctx, req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.Version != first.Version || second.Status != transaction.StatusOfferSubmitted {
		t.Fatalf("replay must return the current state, got %+v", second)
	}
	history, _ := e.History(ctx, txn.ID, 0)
	if countKind(history, activity.KindStatusChanged) != 1 {
		t.Fatalf("replay must not log again")
	}
}

func TestTransition_IdempotencyKeyIsScopedToTransaction(t *testing.T) {
	e := newEngine(t, newStore(t))
	ctx := context.Background()
	a := createDeal(t, e)
	b := createDeal(t, e)

	if _, err := e.Transition(ctx, TransitionRequest{TransactionID: a.ID, To: transaction.StatusOfferSubmitted, Actor: "agent-1", Now: jan20, IdempotencyKey: "req-1"}); err != nil {
		t.Fatalf("transition a: %v", err)
	}
	got, err := e.Transition(ctx, TransitionRequest{TransactionID: b.ID, To: transaction.StatusOfferSubmitted, Actor: "agent-1", Now: jan20, IdempotencyKey: "req-1"})
	if err != nil {
		t.Fatalf("transition b: %v", err)
	}
	if got.Status != transaction.StatusOfferSubmitted {
		t.Fatalf("key used on another transaction must not replay, got status %s", got.Status)
	}
	stored, _ := e.Transaction(ctx, b.ID)
	if stored.Status != transaction.StatusOfferSubmitted {
		t.Fatalf("expected b to be stored as offer_submitted, got %s", stored.Status)
	}
	history, _ := e.History(ctx, b.ID, 0)
	if countKind(history, activity.KindStatusChanged) != 1 {
		t.Fatalf("expected b's status change to be logged")
	}
}

func TestTransition_UnknownTransaction(t *testing.T) {
	e := newEngine(t, newStore(t))
	_, err := e.Transition(context.Background(), TransitionRequest{TransactionID: "nope", To: transaction.StatusOfferSubmitted, Actor: "agent-1"})
	var nf *transaction.NotFoundError
	if !errors.As(err, &nf) || nf.Entity != "transaction" {
		t.Fatalf("expected transaction NotFoundError, got %v", err)
	}
	if _, err := e.History(context.Background(), "nope", 0); !errors.Is(err, transaction.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from history, got %v", err)
	}
}

func TestTransition_ConcurrentRequestsFromSameStatus(t *testing.T) {
	e := newEngine(t, newStore(t))
	ctx := context.Background()
	txn := createDeal(t, e)
	walk(t, e, txn.ID, jan20, transaction.StatusOfferSubmitted, transaction.StatusUnderContract)

	targets := []transaction.Status{transaction.StatusInspection, transaction.StatusCancelled}
	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, to := range targets {
		wg.Add(1)
		go func(i int, to transaction.Status) {
			defer wg.Done()
			_, errs[i] = e.Transition(ctx, TransitionRequest{
				TransactionID:  txn.ID,
				To:             to,
				Actor:          "agent-1",
				Now:            jan20,
				ExpectedStatus: transaction.StatusUnderContract,
			})
		}(i, to)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, transaction.ErrConcurrentModification), errors.Is(err, transaction.ErrInvalidTransition):
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one success, got %d (%v)", succeeded, errs)
	}

	history, _ := e.History(ctx, txn.ID, 0)
	if got := countKind(history, activity.KindStatusChanged); got != 3 {
		t.Fatalf("expected 3 status entries, got %d", got)
	}
}

func TestForceSetStatus(t *testing.T) {
	e := newEngine(t, newStore(t))
	ctx := context.Background()
	txn := createDeal(t, e)
	walk(t, e, txn.ID, jan20, transaction.StatusOfferSubmitted, transaction.StatusUnderContract)

	got, err := e.ForceSetStatus(ctx, ForceStatusRequest{
		TransactionID: txn.ID, To: transaction.StatusOfferSubmitted, Actor: "admin-1", Reason: "set by mistake", Now: jan20,
	})
	if err != nil {
		t.Fatalf("force: %v", err)
	}
	if got.Status != transaction.StatusOfferSubmitted {
		t.Fatalf("unexpected status %s", got.Status)
	}

	history, _ := e.History(ctx, txn.ID, 1)
	if len(history) != 1 || !history[0].Forced || history[0].Text != "set by mistake" || history[0].Actor != "admin-1" {
		t.Fatalf("expected forced audit entry, got %+v", history)
	}

	if _, err := e.ForceSetStatus(ctx, ForceStatusRequest{TransactionID: txn.ID, To: transaction.StatusOfferSubmitted, Actor: "admin-1"}); !errors.Is(err, ErrNoStatusChange) {
		t.Fatalf("expected ErrNoStatusChange, got %v", err)
	}
	if _, err := e.ForceSetStatus(ctx, ForceStatusRequest{TransactionID: txn.ID, To: "escrow", Actor: "admin-1"}); err == nil {
		t.Fatalf("expected unknown status to be rejected")
	}
}

func TestCompleteDeadline_SecondCallIsNoOp(t *testing.T) {
	e := newEngine(t, newStore(t))
	ctx := context.Background()
	txn := createDeal(t, e)
	walk(t, e, txn.ID, jan20, transaction.StatusOfferSubmitted, transaction.StatusUnderContract, transaction.StatusInspection)

	ds, _ := e.Deadlines(ctx, txn.ID)
	req := CompleteDeadlineRequest{TransactionID: txn.ID, DeadlineID: ds[0].ID, Actor: "buyer-1", Now: jan24}

	first, err := e.CompleteDeadline(ctx, req)
	if err != nil || !first.IsCompleted || first.CompletedBy != "buyer-1" {
		t.Fatalf("first completion: %+v %v", first, err)
	}
	req.Actor = "agent-1"
	req.Now = jan24.Add(time.Minute)
	second, err := e.CompleteDeadline(ctx, req)
	if err != nil {
		t.Fatalf("second completion: %v", err)
	}
	if second.CompletedBy != "buyer-1" || !second.CompletedAt.Equal(*first.CompletedAt) {
		t.Fatalf("completion must be irreversible, got %+v", second)
	}

	history, _ := e.History(ctx, txn.ID, 0)
	if got := countKind(history, activity.KindDeadlineCompleted); got != 1 {
		t.Fatalf("expected one deadline_completed entry, got %d", got)
	}
	if got := ofType(inbox(t, e, "agent-1"), notification.TypeStatusUpdate); len(got) != 1 {
		t.Fatalf("expected one completion notice for the agent, got %d", len(got))
	}
}

func TestCompleteDeadline_IdempotencyKeyIsScopedToTransactionAndOperation(t *testing.T) {
	e := newEngine(t, newStore(t))
	ctx := context.Background()
	a := createDeal(t, e)
	b := createDeal(t, e)

	mk := func(id string) string {
		d, err := e.CreateDeadline(ctx, CreateDeadlineRequest{TransactionID: id, Title: "Deposit", DueDate: jan20.AddDate(0, 0, 30), Actor: "agent-1", Now: jan20})
		if err != nil {
			t.Fatalf("create deadline: %v", err)
		}
		return d.ID
	}
	da, db := mk(a.ID), mk(b.ID)

	// a transition on b with the same key must not shadow the completion
	if _, err := e.Transition(ctx, TransitionRequest{TransactionID: b.ID, To: transaction.StatusOfferSubmitted, Actor: "agent-1", Now: jan20, IdempotencyKey: "done-1"}); err != nil {
		t.Fatalf("transition b: %v", err)
	}
	if _, err := e.CompleteDeadline(ctx, CompleteDeadlineRequest{TransactionID: a.ID, DeadlineID: da, Actor: "agent-1", Now: jan24, IdempotencyKey: "done-1"}); err != nil {
		t.Fatalf("complete a: %v", err)
	}
	got, err := e.CompleteDeadline(ctx, CompleteDeadlineRequest{TransactionID: b.ID, DeadlineID: db, Actor: "agent-1", Now: jan24, IdempotencyKey: "done-1"})
	if err != nil {
		t.Fatalf("complete b: %v", err)
	}
	if !got.IsCompleted {
		t.Fatalf("expected b's deadline to be completed, got %+v", got)
	}
	history, _ := e.History(ctx, b.ID, 0)
	if countKind(history, activity.KindDeadlineCompleted) != 1 {
		t.Fatalf("expected b's completion to be logged")
	}
}

func TestCreateDeadline_RejectsTerminalTransaction(t *testing.T) {
	e := newEngine(t, newStore(t))
	ctx := context.Background()
	txn := createDeal(t, e)
	walk(t, e, txn.ID, jan20, transaction.StatusCancelled)

	_, err := e.CreateDeadline(ctx, CreateDeadlineRequest{TransactionID: txn.ID, Title: "Deposit", DueDate: jan24, Actor: "agent-1", Now: jan20})
	if !errors.Is(err, ErrTransactionClosed) {
		t.Fatalf("expected ErrTransactionClosed, got %v", err)
	}
	ds, _ := e.Deadlines(ctx, txn.ID)
	if len(ds) != 0 {
		t.Fatalf("expected no deadlines, got %d", len(ds))
	}
}

func TestCompleteDeadline_ForeignDeadline(t *testing.T) {
	e := newEngine(t, newStore(t))
	ctx := context.Background()
	a := createDeal(t, e)
	b := createDeal(t, e)

	d, err := e.CreateDeadline(ctx, CreateDeadlineRequest{TransactionID: a.ID, Title: "Deposit", DueDate: jan20.AddDate(0, 0, 30), Actor: "agent-1", Now: jan20})
	if err != nil {
		t.Fatalf("create deadline: %v", err)
	}
	_, err = e.CompleteDeadline(ctx, CompleteDeadlineRequest{TransactionID: b.ID, DeadlineID: d.ID, Actor: "agent-1", Now: jan20})
	if !errors.Is(err, transaction.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateDeadline(t *testing.T) {
	e := newEngine(t, newStore(t))
	ctx := context.Background()
	txn := createDeal(t, e)

	d, err := e.CreateDeadline(ctx, CreateDeadlineRequest{
		TransactionID: txn.ID, Title: "Earnest money", DueDate: jan20.Add(-time.Hour),
		Concerns: []transaction.Role{transaction.RoleBuyer}, Actor: "agent-1", Now: jan20,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if d.Source != deadline.SourceManual || d.NotifiedUrgency != deadline.UrgencyOverdue {
		t.Fatalf("unexpected deadline %+v", d)
	}
	if got := ofType(inbox(t, e, "buyer-1"), notification.TypeDeadline); len(got) != 1 || got[0].Title != "Deadline overdue" {
		t.Fatalf("expected overdue notice for the buyer, got %+v", got)
	}

	_, err = e.CreateDeadline(ctx, CreateDeadlineRequest{TransactionID: txn.ID, Title: "Earnest money", DueDate: jan20, Actor: "agent-1"})
	if !errors.Is(err, deadline.ErrDuplicateTitle) {
		t.Fatalf("expected ErrDuplicateTitle, got %v", err)
	}
}

func TestSweepDeadlines_NotifiesOncePerCrossing(t *testing.T) {
	e := newEngine(t, newStore(t))
	ctx := context.Background()
	txn := createDeal(t, e)
	// entering inspection on the 10th: the deadline is still two weeks out
	walk(t, e, txn.ID, jan20.AddDate(0, 0, -10),
		transaction.StatusOfferSubmitted, transaction.StatusUnderContract, transaction.StatusInspection)

	steps := []struct {
		now  time.Time
		want int
	}{
		{jan20, 0},
		{jan24, 2},
		{jan24.Add(2 * time.Hour), 0},
		{inspection.Add(time.Hour), 2},
		{inspection.Add(48 * time.Hour), 0},
	}
	for _, step := range steps {
		got, err := e.SweepDeadlines(ctx, txn.ID, step.now)
		if err != nil {
			t.Fatalf("sweep at %s: %v", step.now, err)
		}
		if len(got) != step.want {
			t.Fatalf("sweep at %s: expected %d notifications, got %d", step.now, step.want, len(got))
		}
	}

	if got := ofType(inbox(t, e, "agent-1"), notification.TypeDeadline); len(got) != 2 {
		t.Fatalf("expected urgent and overdue notices, got %d", len(got))
	}
}

func TestSweepDeadlines_SkipsTerminal(t *testing.T) {
	e := newEngine(t, newStore(t))
	ctx := context.Background()
	txn := createDeal(t, e)
	walk(t, e, txn.ID, jan20.AddDate(0, 0, -10),
		transaction.StatusOfferSubmitted, transaction.StatusUnderContract, transaction.StatusInspection, transaction.StatusCancelled)

	got, err := e.SweepDeadlines(ctx, txn.ID, jan24)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected nothing for a cancelled deal, got %d %v", len(got), err)
	}
}

func TestSweepAll(t *testing.T) {
	e := newEngine(t, newStore(t))
	for i := 0; i < 3; i++ {
		txn := createDeal(t, e)
		walk(t, e, txn.ID, jan20.AddDate(0, 0, -10),
			transaction.StatusOfferSubmitted, transaction.StatusUnderContract, transaction.StatusInspection)
	}

	total, err := e.SweepAll(context.Background(), jan24, 2)
	if err != nil {
		t.Fatalf("sweep all: %v", err)
	}
	if total != 6 {
		t.Fatalf("expected 6 notifications, got %d", total)
	}
}

func TestAddParticipant(t *testing.T) {
	e := newEngine(t, newStore(t))
	ctx := context.Background()
	txn := createDeal(t, e)

	entry, err := e.AddParticipant(ctx, AddParticipantRequest{
		TransactionID: txn.ID, Participant: transaction.Participant{Key: "title-1", Role: transaction.RoleTitleCompany}, Actor: "agent-1", Now: jan20,
	})
	if err != nil || entry.Role != transaction.RoleTitleCompany {
		t.Fatalf("add participant: %+v %v", entry, err)
	}

	_, err = e.AddParticipant(ctx, AddParticipantRequest{
		TransactionID: txn.ID, Participant: transaction.Participant{Key: "agent-2", Role: transaction.RoleAgent}, Actor: "agent-1",
	})
	if err == nil {
		t.Fatalf("expected a second agent to be rejected")
	}

	stored, _ := e.Transaction(ctx, txn.ID)
	if len(stored.Participants) != 4 {
		t.Fatalf("expected 4 participants, got %d", len(stored.Participants))
	}
}

func TestRecordDocumentAndNote(t *testing.T) {
	e := newEngine(t, newStore(t))
	ctx := context.Background()
	txn := createDeal(t, e)

	if _, err := e.RecordDocument(ctx, RecordDocumentRequest{TransactionID: txn.ID, Actor: "agent-1"}); !errors.Is(err, ErrMissingDocument) {
		t.Fatalf("expected ErrMissingDocument, got %v", err)
	}
	doc, err := e.RecordDocument(ctx, RecordDocumentRequest{TransactionID: txn.ID, DocumentRef: "s3://docs/contract.pdf", Actor: "agent-1", Now: jan20})
	if err != nil || doc.Seq != 4 {
		t.Fatalf("record document: %+v %v", doc, err)
	}
	if _, err := e.AddNote(ctx, AddNoteRequest{TransactionID: txn.ID, Text: "", Actor: "agent-1"}); !errors.Is(err, activity.ErrInvalidEntry) {
		t.Fatalf("expected empty note to be rejected, got %v", err)
	}
	if _, err := e.AddNote(ctx, AddNoteRequest{TransactionID: "nope", Text: "hi", Actor: "agent-1"}); !errors.Is(err, transaction.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	entries, next, err := e.HistoryPage(ctx, txn.ID, 0, 2)
	if err != nil || len(entries) != 2 || entries[0].Kind != activity.KindDocumentUploaded || next == 0 {
		t.Fatalf("history page: %+v %d %v", entries, next, err)
	}

	n := 0
	for _, err := range e.HistoryAll(ctx, txn.ID) {
		if err != nil {
			t.Fatalf("history all: %v", err)
		}
		n++
	}
	if n != 4 {
		t.Fatalf("expected 4 entries, got %d", n)
	}
}

// flakyStore fails the first n units of work with a conflict.
type flakyStore struct {
	storage.Store
	mu    sync.Mutex
	fails int
	calls int
}

func (f *flakyStore) InTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.fails
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("%w: serialization failure", transaction.ErrConcurrentModification)
	}
	return f.Store.InTx(ctx, fn)
}

func TestRun_RetriesConflicts(t *testing.T) {
	base := newStore(t)
	seed := newEngine(t, base)
	txn := createDeal(t, seed)

	flaky := &flakyStore{Store: base, fails: 2}
	e := newEngine(t, flaky)
	got, err := e.Transition(context.Background(), TransitionRequest{TransactionID: txn.ID, To: transaction.StatusOfferSubmitted, Actor: "agent-1"})
	if err != nil || got.Status != transaction.StatusOfferSubmitted {
		t.Fatalf("expected retry to succeed, got %+v %v", got, err)
	}
	if flaky.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", flaky.calls)
	}
}

func TestRun_GivesUpAfterMaxRetries(t *testing.T) {
	base := newStore(t)
	txn := createDeal(t, newEngine(t, base))

	flaky := &flakyStore{Store: base, fails: 100}
	e := newEngine(t, flaky)
	_, err := e.Transition(context.Background(), TransitionRequest{TransactionID: txn.ID, To: transaction.StatusOfferSubmitted, Actor: "agent-1"})
	if !errors.Is(err, transaction.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
	if flaky.calls != DefaultMaxRetries+1 {
		t.Fatalf("expected %d attempts, got %d", DefaultMaxRetries+1, flaky.calls)
	}
}

func TestRun_StaleStatusIsNotRetried(t *testing.T) {
	base := newStore(t)
	txn := createDeal(t, newEngine(t, base))

	counting := &flakyStore{Store: base}
	e := newEngine(t, counting)
	_, err := e.Transition(context.Background(), TransitionRequest{
		TransactionID: txn.ID, To: transaction.StatusCancelled, Actor: "agent-1", ExpectedStatus: transaction.StatusOfferSubmitted,
	})
	var stale *transaction.StaleStatusError
	if !errors.As(err, &stale) || stale.Actual != transaction.StatusDraft {
		t.Fatalf("expected StaleStatusError, got %v", err)
	}
	if counting.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", counting.calls)
	}
}

// recordingLocker wraps a Locker and remembers the keys it was asked for.
type recordingLocker struct {
	lock.Locker
	mu   sync.Mutex
	keys []string
}

func (r *recordingLocker) Lock(ctx context.Context, key string) (func(), error) {
	r.mu.Lock()
	r.keys = append(r.keys, key)
	r.mu.Unlock()
	return r.Locker.Lock(ctx, key)
}

func TestOperationsLockTheTransaction(t *testing.T) {
	locker := &recordingLocker{Locker: lock.NewLocalLocker()}
	e := NewEngine(newStore(t), locker, Options{}, zaptest.NewLogger(t))
	txn := createDeal(t, e)
	walk(t, e, txn.ID, jan20, transaction.StatusOfferSubmitted)

	if len(locker.keys) != 2 || locker.keys[0] != txn.ID || locker.keys[1] != txn.ID {
		t.Fatalf("unexpected lock keys %v", locker.keys)
	}
}
