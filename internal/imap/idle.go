package imap

import (
	"context"
	"errors"
	"sync"
	"time"

	idle "github.com/emersion/go-imap-idle"
	imapclient "github.com/emersion/go-imap/client"
	log "github.com/sirupsen/logrus"
	"github.com/vdavid/mailgate/internal/cache"
	"github.com/vdavid/mailgate/internal/logging"
	"github.com/vdavid/mailgate/internal/models"
	"github.com/vdavid/mailgate/internal/websocket"
)

const (
	// idleListenerSleep is the backoff duration after an error before retrying IDLE.
	idleListenerSleep = 10 * time.Second
	// idlePollInterval is used for servers without IDLE.
	idlePollInterval = 30 * time.Second

	watchedMailbox = "INBOX"
)

type watch struct {
	id     uint64
	cancel context.CancelFunc
}

// Watcher keeps one IDLE listener on INBOX per watched account and turns
// server updates into notifications. Listener connections are dialed
// directly and do not count against the pool.
type Watcher struct {
	dial     Dialer
	cache    *cache.Service
	notifier websocket.Notifier
	backoff  time.Duration
	poll     time.Duration

	mu      sync.Mutex
	watches map[string]watch
	nextID  uint64
	closed  bool
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher. cache may be nil.
func NewWatcher(dial Dialer, c *cache.Service, notifier websocket.Notifier) *Watcher {
	return &Watcher{
		dial:     dial,
		cache:    c,
		notifier: notifier,
		backoff:  idleListenerSleep,
		poll:     idlePollInterval,
		watches:  make(map[string]watch),
	}
}

// Watch starts a listener for the account unless one is already running.
func (w *Watcher) Watch(creds models.Credentials) {
	account := creds.AccountID()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if _, ok := w.watches[account]; ok {
		return
	}

	w.nextID++
	ctx, cancel := context.WithCancel(context.Background())
	w.watches[account] = watch{id: w.nextID, cancel: cancel}

	w.wg.Add(1)
	go w.run(ctx, creds, w.nextID)
}

// Unwatch stops the account's listener.
func (w *Watcher) Unwatch(accountID string) {
	w.mu.Lock()
	wt, ok := w.watches[accountID]
	delete(w.watches, accountID)
	w.mu.Unlock()

	if ok {
		wt.cancel()
	}
}

// Watching reports whether a listener is registered for the account.
func (w *Watcher) Watching(accountID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.watches[accountID]
	return ok
}

// Close stops every listener and waits for them to log out.
func (w *Watcher) Close() {
	w.mu.Lock()
	w.closed = true
	for account, wt := range w.watches {
		wt.cancel()
		delete(w.watches, account)
	}
	w.mu.Unlock()

	w.wg.Wait()
}

// run keeps a listener alive until ctx is canceled. Rejected credentials end
// it for good.
func (w *Watcher) run(ctx context.Context, creds models.Credentials, id uint64) {
	defer w.wg.Done()
	defer w.forget(creds.AccountID(), id)

	logger := log.WithField("account", logging.Account(creds.Email))
	for {
		err := w.listen(ctx, creds)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrAuthFailed) {
			logger.Warnf("IMAP IDLE: giving up: %v", err)
			return
		}
		if err != nil {
			logger.Infof("IMAP IDLE: listener ended: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.backoff):
		}
	}
}

func (w *Watcher) forget(account string, id uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if wt, ok := w.watches[account]; ok && wt.id == id {
		delete(w.watches, account)
	}
}

// listen runs IDLE on one connection until it fails or ctx is canceled.
func (w *Watcher) listen(ctx context.Context, creds models.Credentials) error {
	c, err := w.dial(ctx, creds)
	if err != nil {
		return err
	}

	updates := make(chan imapclient.Update, 16)
	c.Updates = updates
	defer logoutDraining(c, updates)

	status, err := c.Select(watchedMailbox, true)
	if err != nil {
		return err
	}
	known := status.Messages

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- idle.NewClient(c).IdleWithFallback(stop, w.poll)
	}()

	account := creds.AccountID()
	for {
		select {
		case <-ctx.Done():
			close(stop)
			for {
				select {
				case <-done:
					return nil
				case <-updates:
				}
			}
		case err := <-done:
			return err
		case update := <-updates:
			known = w.handleUpdate(ctx, account, known, update)
		}
	}
}

// handleUpdate turns one unilateral server response into a notification and
// returns the new message count of the mailbox.
func (w *Watcher) handleUpdate(ctx context.Context, account string, known uint32, update imapclient.Update) uint32 {
	switch u := update.(type) {
	case *imapclient.MailboxUpdate:
		if u.Mailbox == nil {
			return known
		}
		total := u.Mailbox.Messages
		if total > known {
			w.cache.Invalidate(ctx, account, watchedMailbox)
			w.notify(account, websocket.NewEmail(websocket.NewEmailPayload{
				Mailbox: watchedMailbox,
				Count:   int(total - known),
				Total:   total,
			}))
		}
		return total
	case *imapclient.ExpungeUpdate:
		w.cache.Invalidate(ctx, account, watchedMailbox)
		w.notify(account, websocket.MailboxUpdate(websocket.MailboxUpdatePayload{
			Mailbox: watchedMailbox,
			Action:  websocket.ActionExpunge,
		}))
		if known > 0 {
			known--
		}
		return known
	case *imapclient.MessageUpdate:
		w.cache.Invalidate(ctx, account, watchedMailbox)
		payload := websocket.MailboxUpdatePayload{Mailbox: watchedMailbox, Action: websocket.ActionFlags}
		if u.Message != nil && u.Message.Uid != 0 {
			payload.UIDs = []uint32{u.Message.Uid}
		}
		w.notify(account, websocket.MailboxUpdate(payload))
	}
	return known
}

func (w *Watcher) notify(account string, msg websocket.Message) {
	if w.notifier != nil {
		w.notifier.Notify(account, watchedMailbox, msg)
	}
}

// logoutDraining logs out while consuming updates, so the client's reader
// never blocks on a full channel.
func logoutDraining(c *imapclient.Client, updates <-chan imapclient.Update) {
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-updates:
			case <-stop:
				return
			}
		}
	}()
	_ = c.Logout()
	close(stop)
}

var _ websocket.Watcher = (*Watcher)(nil)
