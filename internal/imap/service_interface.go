package imap

import (
	"context"

	"github.com/vdavid/mailgate/internal/models"
)

// MailService defines the mailbox operations exposed over HTTP.
type MailService interface {
	// ListMailboxes lists the account's mailboxes with message and unseen counts.
	ListMailboxes(ctx context.Context, creds models.Credentials) ([]models.MailboxSummary, error)

	// ListMessages returns one page of headers of a mailbox, newest first.
	ListMessages(ctx context.Context, creds models.Credentials, mailbox string, page, limit int) (*models.MessagePage, error)

	// GetMessage returns one parsed message. It does not set \Seen.
	GetMessage(ctx context.Context, creds models.Credentials, mailbox string, uid uint32) (*models.Message, error)

	MarkRead(ctx context.Context, creds models.Credentials, mailbox string, uids []uint32, read bool) error
	MarkFlagged(ctx context.Context, creds models.Credentials, mailbox string, uids []uint32, flagged bool) error
	Move(ctx context.Context, creds models.Credentials, mailbox string, uids []uint32, target string) error

	// Delete moves messages to the trash, or expunges them when they already
	// are in the trash.
	Delete(ctx context.Context, creds models.Credentials, mailbox string, uids []uint32) error

	// Logout drops the account's pooled sessions and cache entries.
	Logout(ctx context.Context, creds models.Credentials)
}

// Ensure Service implements MailService interface
var _ MailService = (*Service)(nil)
