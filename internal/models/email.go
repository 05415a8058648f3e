package models

import "time"

// Credentials identify one mailbox account on the upstream IMAP server.
// The account identity is the email address.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"-"`
}

func (c Credentials) AccountID() string {
	return c.Email
}

type MailboxSummary struct {
	Name       string   `json:"name"`
	Delimiter  string   `json:"delimiter"`
	Attributes []string `json:"attributes"`
	SpecialUse string   `json:"specialUse,omitempty"`
	Messages   uint32   `json:"messages"`
	Unseen     uint32   `json:"unseen"`
}

type MessageHeader struct {
	UID            uint32    `json:"uid"`
	Mailbox        string    `json:"mailbox"`
	MessageID      string    `json:"messageId,omitempty"`
	Subject        string    `json:"subject"`
	From           string    `json:"from"`
	To             []string  `json:"to,omitempty"`
	Cc             []string  `json:"cc,omitempty"`
	Date           time.Time `json:"date"`
	Flags          []string  `json:"flags,omitempty"`
	IsRead         bool      `json:"isRead"`
	IsFlagged      bool      `json:"isFlagged"`
	HasAttachments bool      `json:"hasAttachments"`
	Size           uint32    `json:"size"`
}

type MessagePage struct {
	Mailbox  string          `json:"mailbox"`
	Messages []MessageHeader `json:"messages"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	Limit    int             `json:"limit"`
}

// Message is a full message. HTML is the sender's markup as received; it is
// not sanitized and must not be rendered unsandboxed.
type Message struct {
	MessageHeader
	Text        string           `json:"text"`
	HTML        string           `json:"html,omitempty"`
	Attachments []AttachmentInfo `json:"attachments,omitempty"`
}
