package notification

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"closetrack/transaction"
)

const defaultInboxPage = 20

// Cursor is a keyset position in a recipient's inbox, newest first.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

func (c Cursor) Encode() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 10) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses an opaque cursor. The empty string means the first page.
func DecodeCursor(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("notification: decode cursor: %w", err)
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, fmt.Errorf("notification: malformed cursor")
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("notification: malformed cursor: %w", err)
	}
	return &Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

type Page struct {
	Notifications []Notification
	NextCursor    string
}

// Inbox serves a recipient's notifications.
type Inbox struct {
	store InboxStore
}

func NewInbox(store InboxStore) *Inbox {
	return &Inbox{store: store}
}

func (i *Inbox) List(ctx context.Context, recipient string, pageSize int, cursor string) (Page, error) {
	if pageSize <= 0 {
		pageSize = defaultInboxPage
	}
	before, err := DecodeCursor(cursor)
	if err != nil {
		return Page{}, err
	}
	rows, err := i.store.ListNotifications(ctx, recipient, before, pageSize)
	if err != nil {
		return Page{}, fmt.Errorf("notification: list inbox: %w", err)
	}
	page := Page{Notifications: rows}
	if len(rows) == pageSize {
		last := rows[len(rows)-1]
		page.NextCursor = Cursor{CreatedAt: last.CreatedAt, ID: last.ID}.Encode()
	}
	return page, nil
}

func (i *Inbox) UnreadCount(ctx context.Context, recipient string) (int, error) {
	n, err := i.store.CountUnread(ctx, recipient)
	if err != nil {
		return 0, fmt.Errorf("notification: count unread: %w", err)
	}
	return n, nil
}

// MarkRead flips the notification to read once. Marking an already read
// notification returns it unchanged. Notifications of other recipients are
// reported as not found.
func (i *Inbox) MarkRead(ctx context.Context, recipient, id string, now time.Time) (Notification, error) {
	n, err := i.store.GetNotification(ctx, id)
	if err != nil {
		return Notification{}, err
	}
	if n.RecipientKey != recipient {
		return Notification{}, fmt.Errorf("%w: %w", ErrNotRecipient, transaction.NotFound("notification", id))
	}
	if n.IsRead {
		return n, nil
	}

	at := now.UTC()
	changed, err := i.store.MarkNotificationRead(ctx, id, at)
	if err != nil {
		return Notification{}, fmt.Errorf("notification: mark read: %w", err)
	}
	if !changed {
		return i.store.GetNotification(ctx, id)
	}
	n.IsRead = true
	n.ReadAt = &at
	return n, nil
}
