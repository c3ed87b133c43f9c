package activity

import (
	"errors"
	"fmt"
	"time"

	"closetrack/transaction"
)

// Kind tags the variant of an activity entry.
type Kind string

const (
	KindStatusChanged     Kind = "status_changed"
	KindDeadlineCreated   Kind = "deadline_created"
	KindDeadlineCompleted Kind = "deadline_completed"
	KindParticipantAdded  Kind = "participant_added"
	KindDocumentUploaded  Kind = "document_uploaded"
	KindNote              Kind = "note"
)

var ErrInvalidEntry = errors.New("activity: invalid entry")

// Entry is one immutable audit record. Only the payload fields of its Kind are set.
type Entry struct {
	TransactionID string
	Seq           int64
	Kind          Kind

	From        transaction.Status
	To          transaction.Status
	DeadlineID  string
	Role        transaction.Role
	DocumentRef string
	Text        string
	// Forced marks a status change applied through the admin override.
	Forced bool

	Actor       string
	Timestamp   time.Time
	Description string
}

// StatusChanged builds a status change entry.
func StatusChanged(transactionID string, from, to transaction.Status, actor string) Entry {
	return Entry{TransactionID: transactionID, Kind: KindStatusChanged, From: from, To: to, Actor: actor}
}

func DeadlineCreated(transactionID, deadlineID, actor string) Entry {
	return Entry{TransactionID: transactionID, Kind: KindDeadlineCreated, DeadlineID: deadlineID, Actor: actor}
}

func DeadlineCompleted(transactionID, deadlineID, actor string) Entry {
	return Entry{TransactionID: transactionID, Kind: KindDeadlineCompleted, DeadlineID: deadlineID, Actor: actor}
}

func ParticipantAdded(transactionID string, role transaction.Role, actor string) Entry {
	return Entry{TransactionID: transactionID, Kind: KindParticipantAdded, Role: role, Actor: actor}
}

func DocumentUploaded(transactionID, docRef, actor string) Entry {
	return Entry{TransactionID: transactionID, Kind: KindDocumentUploaded, DocumentRef: docRef, Actor: actor}
}

func Note(transactionID, text, actor string) Entry {
	return Entry{TransactionID: transactionID, Kind: KindNote, Text: text, Actor: actor}
}

// Validate checks that the entry carries the payload its kind requires.
func (e Entry) Validate() error {
	if e.TransactionID == "" {
		return fmt.Errorf("%w: missing transaction id", ErrInvalidEntry)
	}
	switch e.Kind {
	case KindStatusChanged:
		if !e.From.Valid() || !e.To.Valid() {
			return fmt.Errorf("%w: status change needs from and to", ErrInvalidEntry)
		}
	case KindDeadlineCreated, KindDeadlineCompleted:
		if e.DeadlineID == "" {
			return fmt.Errorf("%w: %s needs a deadline id", ErrInvalidEntry, e.Kind)
		}
	case KindParticipantAdded:
		if !e.Role.Valid() {
			return fmt.Errorf("%w: participant entry needs a role", ErrInvalidEntry)
		}
	case KindDocumentUploaded:
		if e.DocumentRef == "" {
			return fmt.Errorf("%w: document entry needs a reference", ErrInvalidEntry)
		}
	case KindNote:
		if e.Text == "" {
			return fmt.Errorf("%w: empty note", ErrInvalidEntry)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEntry, e.Kind)
	}
	return nil
}

// Describe renders the default human-readable description of the entry.
func (e Entry) Describe() string {
	switch e.Kind {
	case KindStatusChanged:
		if e.Forced {
			return fmt.Sprintf("Status set from %s to %s by administrator", e.From, e.To)
		}
		return fmt.Sprintf("Status changed from %s to %s", e.From, e.To)
	case KindDeadlineCreated:
		return "Deadline created"
	case KindDeadlineCompleted:
		return "Deadline completed"
	case KindParticipantAdded:
		return fmt.Sprintf("Participant added as %s", e.Role)
	case KindDocumentUploaded:
		return "Document uploaded"
	case KindNote:
		return "Note added"
	default:
		return string(e.Kind)
	}
}
