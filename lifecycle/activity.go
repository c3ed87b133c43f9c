package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"closetrack/activity"
	"closetrack/transaction"
)

// AddParticipant attaches a participant to an existing transaction. A
// second agent or a repeated role is rejected.
func (e *Engine) AddParticipant(ctx context.Context, req AddParticipantRequest) (activity.Entry, error) {
	if req.Actor == "" {
		return activity.Entry{}, ErrMissingActor
	}
	now := e.now(req.Now)
	p := req.Participant

	var out activity.Entry
	err := e.run(ctx, "add_participant", req.TransactionID, func(ctx context.Context, u unit) error {
		txn, err := u.tx.LockTransaction(ctx, req.TransactionID)
		if err != nil {
			return err
		}
		if err := transaction.ValidateParticipants(append(append([]transaction.Participant(nil), txn.Participants...), p)); err != nil {
			return err
		}
		if err := u.tx.InsertParticipant(ctx, txn.ID, p); err != nil {
			return err
		}
		entry := activity.ParticipantAdded(txn.ID, p.Role, req.Actor)
		entry.Timestamp = now
		out, err = u.log.Append(ctx, entry)
		return err
	})
	if err != nil {
		return activity.Entry{}, fmt.Errorf("lifecycle: add participant: %w", err)
	}
	return out, nil
}

// RecordDocument logs an uploaded document by its reference.
func (e *Engine) RecordDocument(ctx context.Context, req RecordDocumentRequest) (activity.Entry, error) {
	if strings.TrimSpace(req.DocumentRef) == "" {
		return activity.Entry{}, ErrMissingDocument
	}
	entry := activity.DocumentUploaded(req.TransactionID, req.DocumentRef, req.Actor)
	entry.Timestamp = req.Now
	return e.appendEntry(ctx, "record_document", entry)
}

func (e *Engine) AddNote(ctx context.Context, req AddNoteRequest) (activity.Entry, error) {
	entry := activity.Note(req.TransactionID, req.Text, req.Actor)
	entry.Timestamp = req.Now
	return e.appendEntry(ctx, "add_note", entry)
}

func (e *Engine) appendEntry(ctx context.Context, op string, entry activity.Entry) (activity.Entry, error) {
	if entry.Actor == "" {
		return activity.Entry{}, ErrMissingActor
	}
	if err := entry.Validate(); err != nil {
		return activity.Entry{}, err
	}
	entry.Timestamp = e.now(entry.Timestamp)

	var out activity.Entry
	err := e.run(ctx, op, entry.TransactionID, func(ctx context.Context, u unit) error {
		if _, err := u.tx.LockTransaction(ctx, entry.TransactionID); err != nil {
			return err
		}
		var err error
		out, err = u.log.Append(ctx, entry)
		return err
	})
	if err != nil {
		return activity.Entry{}, fmt.Errorf("lifecycle: %s: %w", strings.ReplaceAll(op, "_", " "), err)
	}
	return out, nil
}
