package deadline

import (
	"math"
	"time"
)

// Urgency is the time-relative class of a deadline.
type Urgency string

const (
	UrgencyCompleted Urgency = "completed"
	UrgencyOverdue   Urgency = "overdue"
	UrgencyUrgent    Urgency = "urgent"
	UrgencyUpcoming  Urgency = "upcoming"
	UrgencyScheduled Urgency = "scheduled"
)

const (
	urgentWindow   = 3 * 24 * time.Hour
	upcomingWindow = 7 * 24 * time.Hour

	// DefaultHorizonDays is the window used by UrgentAndUpcoming when none is given.
	DefaultHorizonDays = 7
)

// rank orders the open classes by how close the deadline is. Completed and
// the empty value sit below everything.
func (u Urgency) rank() int {
	switch u {
	case UrgencyScheduled:
		return 1
	case UrgencyUpcoming:
		return 2
	case UrgencyUrgent:
		return 3
	case UrgencyOverdue:
		return 4
	default:
		return 0
	}
}

// Alerting reports whether entering u warrants a deadline notification.
func (u Urgency) Alerting() bool {
	return u == UrgencyUrgent || u == UrgencyOverdue
}

// Escalates reports whether moving from old to u is a step towards the due date.
func (u Urgency) Escalates(old Urgency) bool {
	return u.rank() > old.rank()
}

// UrgencyOf classifies d at now.
func UrgencyOf(d Deadline, now time.Time) Urgency {
	if d.IsCompleted {
		return UrgencyCompleted
	}
	remaining := d.DueDate.Sub(now)
	switch {
	case remaining < 0:
		return UrgencyOverdue
	case remaining <= urgentWindow:
		return UrgencyUrgent
	case remaining <= upcomingWindow:
		return UrgencyUpcoming
	default:
		return UrgencyScheduled
	}
}

// DaysRemaining is the number of whole days until the due date, rounded up.
// Overdue deadlines yield a negative count of days overdue.
func DaysRemaining(d Deadline, now time.Time) int {
	days := d.DueDate.Sub(now).Hours() / 24
	if days >= 0 {
		return int(math.Ceil(days))
	}
	return int(math.Floor(days))
}

// Observe compares the current class of d with the class already recorded
// for it. changed is true when the deadline escalated since the last
// observation; completed deadlines never change.
func Observe(d Deadline, now time.Time) (old, current Urgency, changed bool) {
	old = d.NotifiedUrgency
	current = UrgencyOf(d, now)
	if current == UrgencyCompleted {
		return old, current, false
	}
	return old, current, current.Escalates(old)
}

// Crossing reports a first crossing of d into urgent or overdue that has not
// been notified yet.
func Crossing(d Deadline, now time.Time) (Urgency, bool) {
	_, current, changed := Observe(d, now)
	if !changed || !current.Alerting() {
		return "", false
	}
	return current, true
}
