package imap

import (
	"fmt"
	"html"
	"io"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/jhillyerd/enmime"
	"github.com/vdavid/mailgate/internal/models"
)

// ParseHeader converts the envelope, flags and size of an IMAP message into a
// MessageHeader.
func ParseHeader(imapMsg *imap.Message, mailbox string) models.MessageHeader {
	header := models.MessageHeader{
		UID:     imapMsg.Uid,
		Mailbox: mailbox,
		Flags:   imapMsg.Flags,
		Size:    imapMsg.Size,
	}

	for _, flag := range imapMsg.Flags {
		switch flag {
		case imap.SeenFlag:
			header.IsRead = true
		case imap.FlaggedFlag:
			header.IsFlagged = true
		}
	}

	if env := imapMsg.Envelope; env != nil {
		if len(env.From) > 0 {
			header.From = formatAddress(env.From[0])
		}
		header.To = formatAddressList(env.To)
		header.Cc = formatAddressList(env.Cc)
		header.Subject = env.Subject
		header.MessageID = env.MessageId
		header.Date = env.Date
	}
	if header.Date.IsZero() {
		header.Date = imapMsg.InternalDate
	}

	header.HasAttachments = HasAttachments(imapMsg.BodyStructure)
	return header
}

// ParseMessage parses a full message. Parse failures of the body keep the
// header and return the error alongside it.
func ParseMessage(imapMsg *imap.Message, body io.Reader, mailbox string) (*models.Message, error) {
	if imapMsg == nil {
		return nil, fmt.Errorf("imap message is nil")
	}

	msg := &models.Message{MessageHeader: ParseHeader(imapMsg, mailbox)}
	if body == nil {
		return msg, nil
	}

	envelope, err := enmime.ReadEnvelope(body)
	if err != nil {
		return msg, fmt.Errorf("failed to parse email body: %w", err)
	}

	msg.Text = envelope.Text
	msg.HTML = envelope.HTML
	if msg.HTML == "" && msg.Text != "" {
		escaped := html.EscapeString(strings.ReplaceAll(envelope.Text, "\r\n", "\n"))
		msg.HTML = strings.ReplaceAll(escaped, "\n", "<br>")
	}

	for _, part := range append(envelope.Attachments, envelope.Inlines...) {
		msg.Attachments = append(msg.Attachments, models.AttachmentInfo{
			PartID:      part.PartID,
			Filename:    part.FileName,
			ContentType: part.ContentType,
			Size:        int64(len(part.Content)),
			ContentID:   part.ContentID,
			Disposition: part.Disposition,
		})
	}

	return msg, nil
}

// HasAttachments reports whether any leaf part is an attachment: explicitly
// marked so, or neither text nor multipart.
func HasAttachments(bs *imap.BodyStructure) bool {
	if bs == nil {
		return false
	}
	found := false
	bs.Walk(func(path []int, part *imap.BodyStructure) bool {
		if found {
			return false
		}
		if strings.EqualFold(part.MIMEType, "multipart") {
			return true
		}
		if strings.EqualFold(part.Disposition, "attachment") || !strings.EqualFold(part.MIMEType, "text") {
			found = true
		}
		return false
	})
	return found
}

// formatAddress formats an IMAP address to a string.
func formatAddress(address *imap.Address) string {
	if address == nil {
		return ""
	}

	if address.MailboxName == "" && address.HostName == "" {
		return ""
	}

	if address.PersonalName != "" {
		return fmt.Sprintf("%s <%s@%s>", address.PersonalName, address.MailboxName, address.HostName)
	}

	return fmt.Sprintf("%s@%s", address.MailboxName, address.HostName)
}

// formatAddressList formats a list of IMAP addresses.
func formatAddressList(addresses []*imap.Address) []string {
	result := make([]string, 0, len(addresses))
	for _, address := range addresses {
		formatted := formatAddress(address)
		if formatted != "" {
			result = append(result, formatted)
		}
	}
	return result
}
