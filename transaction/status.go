package transaction

import "fmt"

// Status is the stage of a real-estate transaction in its fixed lifecycle.
type Status string

const (
	StatusDraft              Status = "draft"
	StatusOfferSubmitted     Status = "offer_submitted"
	StatusUnderContract      Status = "under_contract"
	StatusInspection         Status = "inspection"
	StatusAppraisal          Status = "appraisal"
	StatusMortgageCommitment Status = "mortgage_commitment"
	StatusAttorneyReview     Status = "attorney_review"
	StatusClosingScheduled   Status = "closing_scheduled"
	StatusClosed             Status = "closed"
	StatusCancelled          Status = "cancelled"
)

// progression is the forward sequence used for ordering and progress display.
// Cancelled sits outside of it.
var progression = []Status{
	StatusDraft,
	StatusOfferSubmitted,
	StatusUnderContract,
	StatusInspection,
	StatusAppraisal,
	StatusMortgageCommitment,
	StatusAttorneyReview,
	StatusClosingScheduled,
	StatusClosed,
}

var ordinals = func() map[Status]int {
	m := make(map[Status]int, len(progression))
	for i, s := range progression {
		m[s] = i
	}
	return m
}()

// Statuses returns every status in display order, cancelled last.
func Statuses() []Status {
	out := make([]Status, 0, len(progression)+1)
	out = append(out, progression...)
	return append(out, StatusCancelled)
}

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("transaction: unknown status %q", raw)
	}
	return s, nil
}

func (s Status) Valid() bool {
	if s == StatusCancelled {
		return true
	}
	_, ok := ordinals[s]
	return ok
}

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusCancelled
}

// Ordinal is the position of s in the forward sequence, or -1 for cancelled
// and unknown values.
func (s Status) Ordinal() int {
	if i, ok := ordinals[s]; ok {
		return i
	}
	return -1
}

// Progress maps s onto [0,100] by its ordinal among the nine forward
// statuses. Cancelled has no position of its own; see ProgressPercent.
func (s Status) Progress() int {
	i := s.Ordinal()
	if i < 0 {
		return 0
	}
	return i * 100 / (len(progression) - 1)
}

// ProgressPercent returns the display progress for status. A cancelled deal is
// frozen at the progress of the status it was cancelled from.
func ProgressPercent(status, cancelledFrom Status) int {
	if status == StatusCancelled {
		return cancelledFrom.Progress()
	}
	return status.Progress()
}

// IsValidTransition reports whether the normal lifecycle allows moving from
// one status to another: exactly one step forward, or cancellation from any
// non-terminal status.
func IsValidTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	return to.Ordinal() == from.Ordinal()+1
}

// AllowedNext lists the statuses reachable from from in a single transition.
func AllowedNext(from Status) []Status {
	if !from.Valid() || from.Terminal() {
		return nil
	}
	next := make([]Status, 0, 2)
	if i := from.Ordinal(); i+1 < len(progression) {
		next = append(next, progression[i+1])
	}
	return append(next, StatusCancelled)
}
