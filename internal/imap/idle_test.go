package imap

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailgate/internal/cache"
	"github.com/vdavid/mailgate/internal/models"
	"github.com/vdavid/mailgate/internal/testutil"
	"github.com/vdavid/mailgate/internal/websocket"
)

func TestWatcherHandleUpdate(t *testing.T) {
	ctx := context.Background()
	c, _ := testutil.NewTestCache(t)
	notifier := &testutil.RecordingNotifier{}
	w := NewWatcher(nil, c, notifier)
	account := "ann@example.com"

	pageKey := cache.Key{Kind: cache.KindMessages, Account: account, Scope: "INBOX", ID: "1:50"}
	c.Put(ctx, pageKey, []int{1})

	t.Run("new messages", func(t *testing.T) {
		known := w.handleUpdate(ctx, account, 3, &imapclient.MailboxUpdate{Mailbox: &imap.MailboxStatus{Name: "INBOX", Messages: 5}})
		assert.Equal(t, uint32(5), known)

		notes := notifier.Notifications()
		require.Len(t, notes, 1)
		assert.Equal(t, websocket.TypeNewEmail, notes[0].Message.Type)
		assert.Equal(t, websocket.NewEmailPayload{Mailbox: "INBOX", Count: 2, Total: 5}, notes[0].Message.Payload)

		var page []int
		assert.False(t, c.Get(ctx, pageKey, &page), "INBOX pages should be invalidated")
	})

	t.Run("unchanged count is silent", func(t *testing.T) {
		known := w.handleUpdate(ctx, account, 5, &imapclient.MailboxUpdate{Mailbox: &imap.MailboxStatus{Name: "INBOX", Messages: 5}})
		assert.Equal(t, uint32(5), known)
		assert.Len(t, notifier.Notifications(), 1)
	})

	t.Run("expunge", func(t *testing.T) {
		known := w.handleUpdate(ctx, account, 5, &imapclient.ExpungeUpdate{SeqNum: 2})
		assert.Equal(t, uint32(4), known)

		notes := notifier.Notifications()
		require.Len(t, notes, 2)
		assert.Equal(t, websocket.TypeMailboxUpdate, notes[1].Message.Type)
		update := notes[1].Message.Payload.(websocket.MailboxUpdatePayload)
		assert.Equal(t, websocket.ActionExpunge, update.Action)
	})

	t.Run("flag change", func(t *testing.T) {
		w.handleUpdate(ctx, account, 4, &imapclient.MessageUpdate{Message: &imap.Message{Uid: 12, Flags: []string{imap.SeenFlag}}})

		notes := notifier.Notifications()
		require.Len(t, notes, 3)
		update := notes[2].Message.Payload.(websocket.MailboxUpdatePayload)
		assert.Equal(t, websocket.ActionFlags, update.Action)
		assert.Equal(t, []uint32{12}, update.UIDs)
		assert.Equal(t, account, notes[2].Account)
	})
}

func TestWatcherLifecycle(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t)
	var dials atomic.Int64
	base := NewDialer(srv.Address, false, 10*time.Second)
	dial := func(ctx context.Context, creds models.Credentials) (*imapclient.Client, error) {
		dials.Add(1)
		return base(ctx, creds)
	}

	w := NewWatcher(dial, nil, &testutil.RecordingNotifier{})
	w.poll = 50 * time.Millisecond
	defer w.Close()

	creds := srv.Credentials()
	w.Watch(creds)
	w.Watch(creds)
	assert.True(t, w.Watching(creds.AccountID()))
	assert.Eventually(t, func() bool { return dials.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	w.Unwatch(creds.AccountID())
	assert.False(t, w.Watching(creds.AccountID()))

	t.Run("rejected credentials stop the listener", func(t *testing.T) {
		bad := models.Credentials{Email: "username", Password: "wrong"}
		w.Watch(bad)
		assert.Eventually(t, func() bool { return !w.Watching(bad.AccountID()) }, 2*time.Second, 10*time.Millisecond)
	})

	w.Close()
	w.Watch(creds)
	assert.False(t, w.Watching(creds.AccountID()), "closed watcher starts nothing")
}
