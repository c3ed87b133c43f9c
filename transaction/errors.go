package transaction

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition matches every *InvalidTransitionError.
	ErrInvalidTransition = errors.New("transaction: invalid transition")
	// ErrNotFound matches every *NotFoundError.
	ErrNotFound = errors.New("transaction: not found")
	// ErrConcurrentModification signals that per-transaction serialization was
	// violated; the whole operation must be retried against fresh state.
	ErrConcurrentModification = errors.New("transaction: concurrent modification")
	// ErrDuplicateIdempotencyKey signals that a request with the same key was already applied.
	ErrDuplicateIdempotencyKey = errors.New("transaction: duplicate idempotency key")
)

// InvalidTransitionError is returned when a requested status change is not
// legal from the current status.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("transaction: invalid transition %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Allowed lists the legal next statuses from the current one, for callers
// explaining the rejection.
func (e *InvalidTransitionError) Allowed() []Status {
	return AllowedNext(e.From)
}

// NotFoundError identifies the missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("transaction: %s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NotFound builds a *NotFoundError.
func NotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// StaleStatusError reports that the caller observed a status that is no longer
// current. It is a concurrent modification, but replaying the same request
// cannot succeed, so it is not retried.
type StaleStatusError struct {
	Expected Status
	Actual   Status
}

func (e *StaleStatusError) Error() string {
	return fmt.Sprintf("transaction: expected status %s but found %s", e.Expected, e.Actual)
}

func (e *StaleStatusError) Is(target error) bool {
	return target == ErrConcurrentModification
}
