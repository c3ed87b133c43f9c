package notification

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"closetrack/transaction"
)

func seedInbox(store *memStore, recipient string, count int) {
	for i := 0; i < count; i++ {
		store.notifications = append(store.notifications, Notification{
			ID:           fmt.Sprintf("n-%02d", i),
			RecipientKey: recipient,
			Type:         TypeStatusUpdate,
			DedupeKey:    fmt.Sprintf("k-%d", i),
			CreatedAt:    now.Add(time.Duration(i) * time.Minute),
		})
	}
}

func TestInboxList_PagesNewestFirst(t *testing.T) {
	store := &memStore{}
	seedInbox(store, "buyer-1", 5)
	seedInbox(store, "seller-1", 2)
	inbox := NewInbox(store)
	ctx := context.Background()

	first, err := inbox.List(ctx, "buyer-1", 2, "")
	require.NoError(t, err)
	require.Len(t, first.Notifications, 2)
	assert.Equal(t, "n-04", first.Notifications[0].ID)
	assert.Equal(t, "n-03", first.Notifications[1].ID)
	require.NotEmpty(t, first.NextCursor)

	second, err := inbox.List(ctx, "buyer-1", 2, first.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, "n-02", second.Notifications[0].ID)

	third, err := inbox.List(ctx, "buyer-1", 2, second.NextCursor)
	require.NoError(t, err)
	require.Len(t, third.Notifications, 1)
	assert.Empty(t, third.NextCursor)
}

func TestInboxList_RejectsBadCursor(t *testing.T) {
	_, err := NewInbox(&memStore{}).List(context.Background(), "buyer-1", 10, "not-base64!")
	assert.Error(t, err)
}

func TestCursorRoundTrip(t *testing.T) {
	c := Cursor{CreatedAt: now, ID: "abc"}
	got, err := DecodeCursor(c.Encode())
	require.NoError(t, err)
	assert.True(t, got.CreatedAt.Equal(now))
	assert.Equal(t, "abc", got.ID)
}

func TestMarkRead_FlipsOnce(t *testing.T) {
	store := &memStore{}
	seedInbox(store, "buyer-1", 2)
	inbox := NewInbox(store)
	ctx := context.Background()

	unread, err := inbox.UnreadCount(ctx, "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, 2, unread)

	first, err := inbox.MarkRead(ctx, "buyer-1", "n-00", now)
	require.NoError(t, err)
	require.True(t, first.IsRead)
	require.NotNil(t, first.ReadAt)

	second, err := inbox.MarkRead(ctx, "buyer-1", "n-00", now.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, second.ReadAt.Equal(*first.ReadAt), "read_at must not move on re-mark")

	unread, err = inbox.UnreadCount(ctx, "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, 1, unread)
}

func TestMarkRead_OtherRecipient(t *testing.T) {
	store := &memStore{}
	seedInbox(store, "buyer-1", 1)

	_, err := NewInbox(store).MarkRead(context.Background(), "seller-1", "n-00", now)
	assert.True(t, errors.Is(err, transaction.ErrNotFound))
	assert.True(t, errors.Is(err, ErrNotRecipient))
	assert.False(t, store.notifications[0].IsRead)
}
