package pgstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reqdesk/reqsync"
)

func TestNotificationPayload(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		extra, err := encodeNotification(reqsync.Message{ID: "m1", ConversationID: "req-1", Content: "large body is not sent"})
		require.NoError(t, err)
		require.NotContains(t, extra, "large body")

		n, err := decodeNotification(extra)
		require.NoError(t, err)
		require.Equal(t, "m1", n.ID)
		require.Equal(t, "req-1", n.ConversationID)
	})

	t.Run("general channel is empty", func(t *testing.T) {
		extra, err := encodeNotification(reqsync.Message{ID: "m2"})
		require.NoError(t, err)
		n, err := decodeNotification(extra)
		require.NoError(t, err)
		require.Equal(t, reqsync.General, reqsync.ConversationID(n.ConversationID))
	})

	t.Run("rejects missing id", func(t *testing.T) {
		_, err := decodeNotification(`{"conversationId":"req-1"}`)
		require.Error(t, err)
		_, err = decodeNotification(`not json`)
		require.Error(t, err)
	})
}

func TestSubscribeWithoutDSN(t *testing.T) {
	s := New(nil, "")
	_, err := s.Subscribe(context.Background(), "req-1", func(reqsync.Message) {})
	require.ErrorIs(t, err, reqsync.ErrInvalidInput)
}

// openTestStore connects to REQSYNC_TEST_DSN and skips when it is unset.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("REQSYNC_TEST_DSN")
	if dsn == "" {
		t.Skip("REQSYNC_TEST_DSN not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn,
		WithChannel("reqsync_test_"+time.Now().Format("150405")),
		WithListenerBackoff(10*time.Millisecond, time.Second))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStorePostgres(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	conv := reqsync.ConversationID("pg-" + time.Now().Format("150405.000000"))

	got := make(chan reqsync.Message, 4)
	sub, err := s.Subscribe(ctx, conv, func(m reqsync.Message) { got <- m })
	require.NoError(t, err)
	defer sub.Close()

	first, err := s.Insert(ctx, reqsync.Message{ConversationID: conv, SenderID: "client-1", Content: "one"})
	require.NoError(t, err)
	second, err := s.Insert(ctx, reqsync.Message{ConversationID: conv, SenderID: "admin-1", IsFromOperator: true, Content: "two"})
	require.NoError(t, err)

	select {
	case m := <-got:
		require.Equal(t, first.ID, m.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("no notification")
	}

	page, err := s.Query(ctx, conv, 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, second.ID, page[0].ID)

	att, err := s.InsertAttachment(ctx, reqsync.Attachment{MessageID: first.ID, URL: "https://files/x.pdf", Name: "x.pdf", Size: 3})
	require.NoError(t, err)
	atts, err := s.ListAttachments(ctx, []string{first.ID, second.ID})
	require.NoError(t, err)
	require.Equal(t, []reqsync.Attachment{*att}, atts[first.ID])

	unread, err := s.UnreadCounts(ctx, "client-1")
	require.NoError(t, err)
	require.Contains(t, unread, reqsync.UnreadCount{ConversationID: conv, Count: 1})

	require.NoError(t, s.MarkRead(ctx, "client-1", conv))
	unread, err = s.UnreadCounts(ctx, "client-1")
	require.NoError(t, err)
	require.NotContains(t, unread, reqsync.UnreadCount{ConversationID: conv, Count: 1})
}
