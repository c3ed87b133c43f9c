package deadline

import (
	"context"
	"errors"
	"time"

	"closetrack/transaction"
)

var (
	// ErrDuplicateTitle is returned when a transaction already has a deadline with the same title.
	ErrDuplicateTitle = errors.New("deadline: duplicate title for transaction")
	ErrMissingTitle   = errors.New("deadline: title required")
	ErrMissingDueDate = errors.New("deadline: due date required")
)

// Source records how a deadline came to exist.
type Source string

const (
	SourceSeeded Source = "seeded"
	SourceManual Source = "manual"
)

// Deadline is a dated obligation tied to one transaction.
type Deadline struct {
	ID            string
	TransactionID string
	Title         string
	Description   string
	DueDate       time.Time
	// Concerns lists the roles affected by the deadline. The agent is always included.
	Concerns    []transaction.Role
	IsCompleted bool
	CompletedAt *time.Time
	CompletedBy string
	// NotifiedUrgency is the highest urgency class already observed and
	// dispatched for this deadline. Empty until the first observation.
	NotifiedUrgency Urgency
	Source          Source
	CreatedBy       string
	CreatedAt       time.Time
}

// ConcernsRole reports whether role is affected by the deadline.
func (d Deadline) ConcernsRole(role transaction.Role) bool {
	if role == transaction.RoleAgent {
		return true
	}
	for _, r := range d.Concerns {
		if r == role {
			return true
		}
	}
	return false
}

// CreateParams describes a user-created deadline.
type CreateParams struct {
	TransactionID string
	Title         string
	Description   string
	DueDate       time.Time
	Concerns      []transaction.Role
	Actor         string
	Now           time.Time
}

// Store is the persistence the tracker needs. Implementations must enforce
// unique (transaction_id, title) and report it as ErrDuplicateTitle.
type Store interface {
	ListDeadlines(ctx context.Context, transactionID string) ([]Deadline, error)
	GetDeadline(ctx context.Context, id string) (Deadline, error)
	InsertDeadline(ctx context.Context, d Deadline) error
	// MarkDeadlineCompleted sets the completion fields only when the deadline
	// is still open and reports whether it did.
	MarkDeadlineCompleted(ctx context.Context, id, actor string, at time.Time) (bool, error)
	SetNotifiedUrgency(ctx context.Context, id string, u Urgency) error
}
