package testutil

import (
	"sync"

	"github.com/vdavid/mailgate/internal/websocket"
)

// Notification is one call recorded by RecordingNotifier.
type Notification struct {
	Account string
	Mailbox string
	Message websocket.Message
}

// RecordingNotifier records notifications instead of delivering them.
type RecordingNotifier struct {
	mu            sync.Mutex
	notifications []Notification
}

func (n *RecordingNotifier) Notify(account, mailbox string, msg websocket.Message) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, Notification{Account: account, Mailbox: mailbox, Message: msg})
	return 1
}

// Notifications returns a copy of everything recorded so far.
func (n *RecordingNotifier) Notifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.notifications...)
}

// ForMailbox returns the recorded notifications for one mailbox.
func (n *RecordingNotifier) ForMailbox(mailbox string) []Notification {
	var out []Notification
	for _, notification := range n.Notifications() {
		if notification.Mailbox == mailbox {
			out = append(out, notification)
		}
	}
	return out
}
