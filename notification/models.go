package notification

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Type classifies a notification.
type Type string

const (
	TypeDeadline     Type = "deadline"
	TypeStatusUpdate Type = "status_update"
	TypeMilestone    Type = "milestone"
	TypeOffer        Type = "offer"
)

// Notification is a per-recipient message. It belongs to the recipient and
// outlives the transaction it refers to.
type Notification struct {
	ID            string
	RecipientKey  string
	TransactionID string
	Type          Type
	Title         string
	Message       string
	// DedupeKey identifies the triggering event; (RecipientKey, DedupeKey) is unique.
	DedupeKey string
	IsRead    bool
	ReadAt    *time.Time
	CreatedAt time.Time
}

// ChannelName names an external delivery channel.
type ChannelName string

const (
	ChannelEmail ChannelName = "email"
	ChannelSMS   ChannelName = "sms"
)

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryDead      DeliveryStatus = "dead"
)

// Delivery is one outbound message for a notification, written to the outbox
// in the same unit of work as the notification and sent after commit.
type Delivery struct {
	ID             string
	NotificationID string
	Channel        ChannelName
	Destination    string
	Status         DeliveryStatus
	Attempts       int
	LastError      string
	NextAttemptAt  time.Time
	CreatedAt      time.Time
	DeliveredAt    *time.Time
}

// PendingDelivery pairs a claimed delivery with the notification it carries.
type PendingDelivery struct {
	Delivery     Delivery
	Notification Notification
}

var (
	ErrNotRecipient = errors.New("notification: not addressed to caller")
)

// DispatchFailure reports that one recipient could not be reached on one
// channel. It is contained by the relay and never returned to lifecycle callers.
type DispatchFailure struct {
	Recipient string
	Channel   ChannelName
	Err       error
}

func (f *DispatchFailure) Error() string {
	return fmt.Sprintf("notification: deliver to %s via %s: %v", f.Recipient, f.Channel, f.Err)
}

func (f *DispatchFailure) Unwrap() error {
	return f.Err
}

// Store is the write side used by the dispatcher inside a unit of work.
type Store interface {
	// InsertNotification stores n unless the recipient already has a
	// notification with the same dedupe key, in which case created is false
	// and the existing row is returned.
	InsertNotification(ctx context.Context, n Notification) (stored Notification, created bool, err error)
	InsertDelivery(ctx context.Context, d Delivery) error
}

// InboxStore is the recipient-facing read/mark side.
type InboxStore interface {
	ListNotifications(ctx context.Context, recipient string, before *Cursor, limit int) ([]Notification, error)
	CountUnread(ctx context.Context, recipient string) (int, error)
	GetNotification(ctx context.Context, id string) (Notification, error)
	// MarkNotificationRead flips is_read once and reports whether it did.
	MarkNotificationRead(ctx context.Context, id string, at time.Time) (bool, error)
}

// OutboxStore is used by the relay.
type OutboxStore interface {
	// ClaimDeliveries leases up to limit pending deliveries due at now by
	// pushing their next attempt to leaseUntil, so concurrent relays skip them.
	ClaimDeliveries(ctx context.Context, now, leaseUntil time.Time, limit int) ([]PendingDelivery, error)
	UpdateDelivery(ctx context.Context, d Delivery) error
}
