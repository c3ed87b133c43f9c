package activity

import (
	"context"
	"fmt"
	"iter"
	"time"
)

const defaultPageSize = 50

// Store persists entries. InsertActivity must reject a second entry with an
// existing (transaction_id, seq) pair.
type Store interface {
	// LatestActivity returns the newest entry of the transaction, if any.
	LatestActivity(ctx context.Context, transactionID string) (Entry, bool, error)
	InsertActivity(ctx context.Context, e Entry) error
	// ListActivity returns up to limit entries with seq < beforeSeq, newest
	// first. beforeSeq <= 0 starts at the newest entry; limit <= 0 means all.
	ListActivity(ctx context.Context, transactionID string, beforeSeq int64, limit int) ([]Entry, error)
}

// Log is the append-only activity log. There is no update or delete.
type Log struct {
	store Store
	clock func() time.Time
}

func NewLog(store Store) *Log {
	return &Log{store: store, clock: time.Now}
}

// Append assigns the next sequence number and a timestamp and writes the
// entry. A zero timestamp is replaced with the wall clock. A timestamp
// earlier than the previous entry is raised to it so that (timestamp, seq)
// and seq order agree.
func (l *Log) Append(ctx context.Context, e Entry) (Entry, error) {
	if err := e.Validate(); err != nil {
		return Entry{}, err
	}

	latest, ok, err := l.store.LatestActivity(ctx, e.TransactionID)
	if err != nil {
		return Entry{}, fmt.Errorf("activity: load latest: %w", err)
	}

	if e.Timestamp.IsZero() {
		e.Timestamp = l.clock()
	}
	e.Timestamp = e.Timestamp.UTC()
	e.Seq = 1
	if ok {
		e.Seq = latest.Seq + 1
		if e.Timestamp.Before(latest.Timestamp) {
			e.Timestamp = latest.Timestamp
		}
	}
	if e.Description == "" {
		e.Description = e.Describe()
	}

	if err := l.store.InsertActivity(ctx, e); err != nil {
		return Entry{}, fmt.Errorf("activity: append: %w", err)
	}
	return e, nil
}

// History returns up to limit entries, most recent first. limit <= 0 returns
// the whole log.
func (l *Log) History(ctx context.Context, transactionID string, limit int) ([]Entry, error) {
	entries, err := l.store.ListActivity(ctx, transactionID, 0, limit)
	if err != nil {
		return nil, fmt.Errorf("activity: history: %w", err)
	}
	return entries, nil
}

// Page returns entries older than beforeSeq, most recent first, plus the
// cursor for the next page (0 when exhausted).
func (l *Log) Page(ctx context.Context, transactionID string, beforeSeq int64, limit int) ([]Entry, int64, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	entries, err := l.store.ListActivity(ctx, transactionID, beforeSeq, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("activity: page: %w", err)
	}
	var next int64
	if len(entries) == limit && entries[len(entries)-1].Seq > 1 {
		next = entries[len(entries)-1].Seq
	}
	return entries, next, nil
}

// All walks the log most recent first, fetching pageSize entries at a time.
// Each call of the returned sequence starts again from the newest entry.
func (l *Log) All(ctx context.Context, transactionID string, pageSize int) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		var cursor int64
		for {
			entries, next, err := l.Page(ctx, transactionID, cursor, pageSize)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			for _, e := range entries {
				if !yield(e, nil) {
					return
				}
			}
			if next == 0 {
				return
			}
			cursor = next
		}
	}
}
