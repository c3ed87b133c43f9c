package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"closetrack/activity"
	"closetrack/deadline"
	"closetrack/metrics"
	"closetrack/transaction"
)

// Options selects the external channels deliveries are queued for.
type Options struct {
	EmailEnabled bool
	SMSEnabled   bool
}

// Dispatcher turns activity entries and deadline urgency changes into
// notifications. The routing table is fixed:
//
//	status_changed             -> every participant except the actor (status_update)
//	status_changed to closed   -> every participant (milestone)
//	urgency enters urgent/overdue -> agent and concerned roles (deadline)
//	deadline_completed         -> agent (status_update)
//
// Every notification carries a dedupe key derived from its trigger, so
// presenting the same event twice never notifies a recipient twice.
type Dispatcher struct {
	store Store
	opts  Options
	log   *zap.Logger
}

func NewDispatcher(store Store, opts Options, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{store: store, opts: opts, log: log}
}

type draft struct {
	recipient transaction.Participant
	typ       Type
	title     string
	message   string
	dedupeKey string
}

// OnActivity routes one activity entry and returns the notifications it created.
func (d *Dispatcher) OnActivity(ctx context.Context, txn transaction.Transaction, e activity.Entry) ([]Notification, error) {
	var drafts []draft
	place := placeOf(txn)

	switch e.Kind {
	case activity.KindStatusChanged:
		key := activityKey(e, "status")
		for _, p := range txn.Participants {
			if p.Key == e.Actor {
				continue
			}
			drafts = append(drafts, draft{
				recipient: p,
				typ:       TypeStatusUpdate,
				title:     "Transaction status updated",
				message:   fmt.Sprintf("%s moved from %s to %s.", place, label(e.From), label(e.To)),
				dedupeKey: key,
			})
		}
		if e.To == transaction.StatusClosed {
			key := activityKey(e, "closed")
			for _, p := range txn.Participants {
				drafts = append(drafts, draft{
					recipient: p,
					typ:       TypeMilestone,
					title:     "Transaction closed",
					message:   fmt.Sprintf("%s has closed.", place),
					dedupeKey: key,
				})
			}
		}
	case activity.KindDeadlineCompleted:
		if agent, ok := txn.Agent(); ok {
			msg := e.Description
			if msg == "" {
				msg = fmt.Sprintf("A deadline for %s was completed.", place)
			}
			drafts = append(drafts, draft{
				recipient: agent,
				typ:       TypeStatusUpdate,
				title:     "Deadline completed",
				message:   msg,
				dedupeKey: activityKey(e, "deadline_completed"),
			})
		}
	}

	return d.emit(ctx, txn.ID, drafts, e.Timestamp)
}

// OnDeadlineUrgencyChange notifies the agent and every participant whose role
// the deadline concerns when the deadline escalates into urgent or overdue.
// Other changes produce nothing.
func (d *Dispatcher) OnDeadlineUrgencyChange(ctx context.Context, txn transaction.Transaction, dl deadline.Deadline, old, current deadline.Urgency, now time.Time) ([]Notification, error) {
	if !current.Alerting() || !current.Escalates(old) {
		return nil, nil
	}

	title := "Deadline due soon"
	message := fmt.Sprintf("%q for %s is due %s.", dl.Title, placeOf(txn), dl.DueDate.Format("Jan 2, 2006"))
	if current == deadline.UrgencyOverdue {
		title = "Deadline overdue"
		message = fmt.Sprintf("%q for %s was due %s.", dl.Title, placeOf(txn), dl.DueDate.Format("Jan 2, 2006"))
	}

	key := fmt.Sprintf("deadline:%s:%s", dl.ID, current)
	var drafts []draft
	for _, p := range txn.Participants {
		if !dl.ConcernsRole(p.Role) {
			continue
		}
		drafts = append(drafts, draft{recipient: p, typ: TypeDeadline, title: title, message: message, dedupeKey: key})
	}
	return d.emit(ctx, txn.ID, drafts, now)
}

func (d *Dispatcher) emit(ctx context.Context, transactionID string, drafts []draft, at time.Time) ([]Notification, error) {
	if len(drafts) == 0 {
		return nil, nil
	}
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	out := make([]Notification, 0, len(drafts))
	for _, dr := range drafts {
		n := Notification{
			ID:            uuid.NewString(),
			RecipientKey:  dr.recipient.Key,
			TransactionID: transactionID,
			Type:          dr.typ,
			Title:         dr.title,
			Message:       dr.message,
			DedupeKey:     dr.dedupeKey,
			CreatedAt:     at,
		}
		stored, created, err := d.store.InsertNotification(ctx, n)
		if err != nil {
			return nil, fmt.Errorf("notification: insert for %s: %w", dr.recipient.Key, err)
		}
		if !created {
			d.log.Debug("notification already sent",
				zap.String("recipient", dr.recipient.Key),
				zap.String("dedupe_key", dr.dedupeKey))
			continue
		}
		metrics.NotificationsCreated.WithLabelValues(string(stored.Type)).Inc()

		if err := d.enqueue(ctx, stored, dr.recipient, at); err != nil {
			return nil, err
		}
		out = append(out, stored)
	}
	return out, nil
}

func (d *Dispatcher) enqueue(ctx context.Context, n Notification, p transaction.Participant, at time.Time) error {
	var targets []Delivery
	if d.opts.EmailEnabled && p.Email != "" {
		targets = append(targets, Delivery{Channel: ChannelEmail, Destination: p.Email})
	}
	if d.opts.SMSEnabled && p.Phone != "" && (n.Type == TypeDeadline || n.Type == TypeMilestone) {
		targets = append(targets, Delivery{Channel: ChannelSMS, Destination: p.Phone})
	}
	for _, del := range targets {
		del.ID = uuid.NewString()
		del.NotificationID = n.ID
		del.Status = DeliveryPending
		del.NextAttemptAt = at
		del.CreatedAt = at
		if err := d.store.InsertDelivery(ctx, del); err != nil {
			return fmt.Errorf("notification: enqueue %s delivery: %w", del.Channel, err)
		}
	}
	return nil
}

func activityKey(e activity.Entry, rule string) string {
	return fmt.Sprintf("activity:%s:%d:%s", e.TransactionID, e.Seq, rule)
}

func placeOf(txn transaction.Transaction) string {
	if txn.PropertyAddress != "" {
		return txn.PropertyAddress
	}
	return "Transaction " + txn.ID
}

var statusLabels = map[transaction.Status]string{
	transaction.StatusDraft:              "Draft",
	transaction.StatusOfferSubmitted:     "Offer Submitted",
	transaction.StatusUnderContract:      "Under Contract",
	transaction.StatusInspection:         "Inspection",
	transaction.StatusAppraisal:          "Appraisal",
	transaction.StatusMortgageCommitment: "Mortgage Commitment",
	transaction.StatusAttorneyReview:     "Attorney Review",
	transaction.StatusClosingScheduled:   "Closing Scheduled",
	transaction.StatusClosed:             "Closed",
	transaction.StatusCancelled:          "Cancelled",
}

func label(s transaction.Status) string {
	if l, ok := statusLabels[s]; ok {
		return l
	}
	return string(s)
}
