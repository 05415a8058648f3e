package imap

import (
	"fmt"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/vdavid/mailgate/internal/models"
)

var specialUseAttrs = []string{
	imap.AllAttr, imap.ArchiveAttr, imap.DraftsAttr, imap.FlaggedAttr,
	imap.JunkAttr, imap.SentAttr, imap.TrashAttr,
}

// ListFolders lists all mailboxes on the IMAP server.
func ListFolders(c *client.Client) ([]*imap.MailboxInfo, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)

	go func() {
		done <- c.List("", "*", mailboxes)
	}()

	var folders []*imap.MailboxInfo
	for m := range mailboxes {
		folders = append(folders, m)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	return folders, nil
}

// SelectableFolders returns the names of mailboxes that can hold messages.
func SelectableFolders(c *client.Client) ([]string, error) {
	folders, err := ListFolders(c)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(folders))
	for _, f := range folders {
		if !hasAttr(f.Attributes, imap.NoSelectAttr) {
			names = append(names, f.Name)
		}
	}
	return names, nil
}

// ListMailboxSummaries lists mailboxes with message and unseen counts.
// Mailboxes whose STATUS fails are reported with zero counts.
func ListMailboxSummaries(c *client.Client) ([]models.MailboxSummary, error) {
	folders, err := ListFolders(c)
	if err != nil {
		return nil, err
	}

	summaries := make([]models.MailboxSummary, 0, len(folders))
	for _, f := range folders {
		summary := models.MailboxSummary{
			Name:       f.Name,
			Delimiter:  f.Delimiter,
			Attributes: append([]string{}, f.Attributes...),
			SpecialUse: specialUse(f),
		}
		if !hasAttr(f.Attributes, imap.NoSelectAttr) {
			if status, err := c.Status(f.Name, []imap.StatusItem{imap.StatusMessages, imap.StatusUnseen}); err == nil {
				summary.Messages = status.Messages
				summary.Unseen = status.Unseen
			}
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func specialUse(f *imap.MailboxInfo) string {
	for _, attr := range specialUseAttrs {
		if hasAttr(f.Attributes, attr) {
			return attr
		}
	}
	if strings.EqualFold(f.Name, "INBOX") {
		return "\\Inbox"
	}
	return ""
}

// FindSpecialUse returns the name of the mailbox carrying attr, falling back
// to a mailbox named fallback.
func FindSpecialUse(c *client.Client, attr, fallback string) (string, bool, error) {
	folders, err := ListFolders(c)
	if err != nil {
		return "", false, err
	}
	for _, f := range folders {
		if hasAttr(f.Attributes, attr) {
			return f.Name, true, nil
		}
	}
	for _, f := range folders {
		if strings.EqualFold(f.Name, fallback) {
			return f.Name, true, nil
		}
	}
	return "", false, nil
}

func hasAttr(attrs []string, want string) bool {
	for _, a := range attrs {
		if strings.EqualFold(a, want) {
			return true
		}
	}
	return false
}
