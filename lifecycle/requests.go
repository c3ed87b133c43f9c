package lifecycle

import (
	"time"

	"closetrack/transaction"
)

// CreateTransactionRequest opens a draft transaction. Now defaults to the wall clock.
type CreateTransactionRequest struct {
	transaction.CreateParams
	Actor string
	Now   time.Time
}

// TransitionRequest asks for a status change through the status graph.
type TransitionRequest struct {
	TransactionID string
	To            transaction.Status
	Actor         string
	Now           time.Time
	// ExpectedStatus, when set, is the status the caller observed. The change
	// is rejected with *transaction.StaleStatusError if it no longer holds.
	ExpectedStatus transaction.Status
	// IdempotencyKey, when set, makes a retried request a no-op that returns
	// the current state.
	IdempotencyKey string
}

// ForceStatusRequest is the admin override that bypasses the status graph.
type ForceStatusRequest struct {
	TransactionID string
	To            transaction.Status
	Actor         string
	Reason        string
	Now           time.Time
}

type CompleteDeadlineRequest struct {
	TransactionID  string
	DeadlineID     string
	Actor          string
	Now            time.Time
	IdempotencyKey string
}

type CreateDeadlineRequest struct {
	TransactionID string
	Title         string
	Description   string
	DueDate       time.Time
	Concerns      []transaction.Role
	Actor         string
	Now           time.Time
}

type AddParticipantRequest struct {
	TransactionID string
	Participant   transaction.Participant
	Actor         string
	Now           time.Time
}

// RecordDocumentRequest logs an upload. DocumentRef is opaque; the file
// itself lives in document storage.
type RecordDocumentRequest struct {
	TransactionID string
	DocumentRef   string
	Actor         string
	Now           time.Time
}

type AddNoteRequest struct {
	TransactionID string
	Text          string
	Actor         string
	Now           time.Time
}
