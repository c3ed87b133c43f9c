package deadline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"closetrack/transaction"
)

// seedRule is the conventional deadline created when a status is entered.
type seedRule struct {
	title       string
	description string
	due         func(transaction.Milestones) *time.Time
	concerns    []transaction.Role
}

var seedRules = map[transaction.Status]seedRule{
	transaction.StatusInspection: {
		title:       "Home Inspection",
		description: "Complete the home inspection and deliver the report to the buyer.",
		due:         func(m transaction.Milestones) *time.Time { return m.InspectionDate },
		concerns:    []transaction.Role{transaction.RoleAgent, transaction.RoleBuyer},
	},
	transaction.StatusAppraisal: {
		title:       "Appraisal",
		description: "Lender appraisal of the property.",
		due:         func(m transaction.Milestones) *time.Time { return m.AppraisalDate },
		concerns:    []transaction.Role{transaction.RoleAgent, transaction.RoleBuyer},
	},
	transaction.StatusMortgageCommitment: {
		title:       "Mortgage Commitment",
		description: "Buyer must obtain the written mortgage commitment.",
		due:         func(m transaction.Milestones) *time.Time { return m.MortgageCommitmentDate },
		concerns:    []transaction.Role{transaction.RoleAgent, transaction.RoleBuyer},
	},
	transaction.StatusAttorneyReview: {
		title:       "Attorney Review",
		description: "Attorney review period for the contract of sale.",
		due:         func(m transaction.Milestones) *time.Time { return m.AttorneyReviewDate },
		concerns:    []transaction.Role{transaction.RoleAgent, transaction.RoleBuyer, transaction.RoleSeller},
	},
	transaction.StatusClosingScheduled: {
		title:       "Closing",
		description: "Closing and transfer of title.",
		due:         func(m transaction.Milestones) *time.Time { return m.ClosingDate },
	},
}

// SeedTitle returns the conventional deadline title for status, if any.
func SeedTitle(status transaction.Status) (string, bool) {
	rule, ok := seedRules[status]
	return rule.title, ok
}

// Tracker owns the deadlines of transactions. It is bound to one Store,
// usually the unit of work of a single lifecycle operation.
type Tracker struct {
	store Store
}

func NewTracker(store Store) *Tracker {
	return &Tracker{store: store}
}

// SeedForStatus creates the conventional deadline for status when the
// matching milestone date is set and no deadline with the same title exists.
// Only newly created deadlines are returned, so re-entering a status is a no-op.
func (t *Tracker) SeedForStatus(ctx context.Context, txn transaction.Transaction, status transaction.Status, actor string, now time.Time) ([]Deadline, error) {
	rule, ok := seedRules[status]
	if !ok {
		return nil, nil
	}
	due := rule.due(txn.Milestones)
	if due == nil {
		return nil, nil
	}

	existing, err := t.store.ListDeadlines(ctx, txn.ID)
	if err != nil {
		return nil, fmt.Errorf("deadline: list for seeding: %w", err)
	}
	for _, d := range existing {
		if d.Title == rule.title {
			return nil, nil
		}
	}

	concerns := rule.concerns
	if concerns == nil {
		concerns = make([]transaction.Role, 0, len(txn.Participants))
		for _, p := range txn.Participants {
			concerns = append(concerns, p.Role)
		}
	}

	d := Deadline{
		ID:            uuid.NewString(),
		TransactionID: txn.ID,
		Title:         rule.title,
		Description:   rule.description,
		DueDate:       due.UTC(),
		Concerns:      withAgent(concerns),
		Source:        SourceSeeded,
		CreatedBy:     actor,
		CreatedAt:     now.UTC(),
	}
	if err := t.store.InsertDeadline(ctx, d); err != nil {
		if errors.Is(err, ErrDuplicateTitle) {
			return nil, nil
		}
		return nil, fmt.Errorf("deadline: seed %q: %w", rule.title, err)
	}
	return []Deadline{d}, nil
}

// Create adds a user-defined deadline.
func (t *Tracker) Create(ctx context.Context, params CreateParams) (Deadline, error) {
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return Deadline{}, ErrMissingTitle
	}
	if params.DueDate.IsZero() {
		return Deadline{}, ErrMissingDueDate
	}

	existing, err := t.store.ListDeadlines(ctx, params.TransactionID)
	if err != nil {
		return Deadline{}, fmt.Errorf("deadline: list existing: %w", err)
	}
	for _, d := range existing {
		if d.Title == title {
			return Deadline{}, ErrDuplicateTitle
		}
	}

	d := Deadline{
		ID:            uuid.NewString(),
		TransactionID: params.TransactionID,
		Title:         title,
		Description:   strings.TrimSpace(params.Description),
		DueDate:       params.DueDate.UTC(),
		Concerns:      withAgent(params.Concerns),
		Source:        SourceManual,
		CreatedBy:     params.Actor,
		CreatedAt:     params.Now.UTC(),
	}
	if err := t.store.InsertDeadline(ctx, d); err != nil {
		if errors.Is(err, ErrDuplicateTitle) {
			return Deadline{}, err
		}
		return Deadline{}, fmt.Errorf("deadline: insert: %w", err)
	}
	return d, nil
}

// Complete marks the deadline done. Completing an already completed deadline
// returns the stored record unchanged with changed=false.
func (t *Tracker) Complete(ctx context.Context, id, actor string, now time.Time) (Deadline, bool, error) {
	d, err := t.store.GetDeadline(ctx, id)
	if err != nil {
		return Deadline{}, false, err
	}
	if d.IsCompleted {
		return d, false, nil
	}

	at := now.UTC()
	changed, err := t.store.MarkDeadlineCompleted(ctx, id, actor, at)
	if err != nil {
		return Deadline{}, false, fmt.Errorf("deadline: mark completed: %w", err)
	}
	if !changed {
		// lost a race with another completion; report the winner's record
		d, err = t.store.GetDeadline(ctx, id)
		return d, false, err
	}

	d.IsCompleted = true
	d.CompletedAt = &at
	d.CompletedBy = actor
	return d, true, nil
}

// Observe records the current urgency class of d when it escalated since the
// last observation and returns the transition. Nothing is written otherwise.
func (t *Tracker) Observe(ctx context.Context, d Deadline, now time.Time) (old, current Urgency, changed bool, err error) {
	old, current, changed = Observe(d, now)
	if !changed {
		return old, current, false, nil
	}
	if err := t.store.SetNotifiedUrgency(ctx, d.ID, current); err != nil {
		return old, current, false, fmt.Errorf("deadline: record urgency: %w", err)
	}
	return old, current, true, nil
}

// List returns every deadline of the transaction ordered by due date.
func (t *Tracker) List(ctx context.Context, transactionID string) ([]Deadline, error) {
	all, err := t.store.ListDeadlines(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("deadline: list: %w", err)
	}
	sortByDue(all)
	return all, nil
}

// UrgentAndUpcoming returns open deadlines due within [now, now+horizonDays],
// sorted by due date with ties broken by title.
func (t *Tracker) UrgentAndUpcoming(ctx context.Context, transactionID string, now time.Time, horizonDays int) ([]Deadline, error) {
	all, err := t.store.ListDeadlines(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("deadline: list upcoming: %w", err)
	}
	return FilterUpcoming(all, now, horizonDays), nil
}

// FilterUpcoming applies the UrgentAndUpcoming selection to an in-memory set.
func FilterUpcoming(all []Deadline, now time.Time, horizonDays int) []Deadline {
	if horizonDays <= 0 {
		horizonDays = DefaultHorizonDays
	}
	limit := now.Add(time.Duration(horizonDays) * 24 * time.Hour)

	out := make([]Deadline, 0, len(all))
	for _, d := range all {
		if d.IsCompleted || d.DueDate.Before(now) || d.DueDate.After(limit) {
			continue
		}
		out = append(out, d)
	}
	sortByDue(out)
	return out
}

func sortByDue(ds []Deadline) {
	sort.SliceStable(ds, func(i, j int) bool {
		if !ds[i].DueDate.Equal(ds[j].DueDate) {
			return ds[i].DueDate.Before(ds[j].DueDate)
		}
		return ds[i].Title < ds[j].Title
	})
}

func withAgent(roles []transaction.Role) []transaction.Role {
	out := make([]transaction.Role, 0, len(roles)+1)
	out = append(out, transaction.RoleAgent)
	for _, r := range roles {
		if r == transaction.RoleAgent {
			continue
		}
		dup := false
		for _, seen := range out {
			if seen == r {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, r)
		}
	}
	return out
}
