package notification

import (
	"context"
	"sort"
	"sync"
	"time"

	"closetrack/transaction"
)

// memStore implements Store, InboxStore and OutboxStore in memory.
type memStore struct {
	mu            sync.Mutex
	notifications []Notification
	deliveries    []Delivery
	updates       []Delivery
	updateErr     error
}

func (m *memStore) InsertNotification(_ context.Context, n Notification) (Notification, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.notifications {
		if existing.RecipientKey == n.RecipientKey && existing.DedupeKey == n.DedupeKey {
			return existing, false, nil
		}
	}
	m.notifications = append(m.notifications, n)
	return n, true, nil
}

func (m *memStore) InsertDelivery(_ context.Context, d Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries = append(m.deliveries, d)
	return nil
}

func (m *memStore) ListNotifications(_ context.Context, recipient string, before *Cursor, limit int) ([]Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows []Notification
	for _, n := range m.notifications {
		if n.RecipientKey == recipient {
			rows = append(rows, n)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.After(rows[j].CreatedAt)
		}
		return rows[i].ID > rows[j].ID
	})
	var out []Notification
	for _, n := range rows {
		if before != nil {
			if n.CreatedAt.After(before.CreatedAt) || (n.CreatedAt.Equal(before.CreatedAt) && n.ID >= before.ID) {
				continue
			}
		}
		out = append(out, n)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) CountUnread(_ context.Context, recipient string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, n := range m.notifications {
		if n.RecipientKey == recipient && !n.IsRead {
			count++
		}
	}
	return count, nil
}

func (m *memStore) GetNotification(_ context.Context, id string) (Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.notifications {
		if n.ID == id {
			return n, nil
		}
	}
	return Notification{}, transaction.NotFound("notification", id)
}

func (m *memStore) MarkNotificationRead(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.notifications {
		if m.notifications[i].ID == id {
			if m.notifications[i].IsRead {
				return false, nil
			}
			m.notifications[i].IsRead = true
			m.notifications[i].ReadAt = &at
			return true, nil
		}
	}
	return false, transaction.NotFound("notification", id)
}

func (m *memStore) ClaimDeliveries(_ context.Context, now, leaseUntil time.Time, limit int) ([]PendingDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PendingDelivery
	for i := range m.deliveries {
		d := &m.deliveries[i]
		if d.Status != DeliveryPending && d.Status != DeliveryFailed {
			continue
		}
		if d.NextAttemptAt.After(now) {
			continue
		}
		d.NextAttemptAt = leaseUntil
		var n Notification
		for _, candidate := range m.notifications {
			if candidate.ID == d.NotificationID {
				n = candidate
			}
		}
		out = append(out, PendingDelivery{Delivery: *d, Notification: n})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) UpdateDelivery(_ context.Context, d Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	m.updates = append(m.updates, d)
	for i := range m.deliveries {
		if m.deliveries[i].ID == d.ID {
			m.deliveries[i] = d
		}
	}
	return nil
}

func (m *memStore) delivery(id string) Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.deliveries {
		if d.ID == id {
			return d
		}
	}
	return Delivery{}
}
