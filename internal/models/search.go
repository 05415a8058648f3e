package models

import "time"

// SearchQuery fields are ANDed. The zero value matches every message.
type SearchQuery struct {
	Text          string     `json:"text,omitempty"`
	From          string     `json:"from,omitempty"`
	To            string     `json:"to,omitempty"`
	Subject       string     `json:"subject,omitempty"`
	Body          string     `json:"body,omitempty"`
	Since         *time.Time `json:"since,omitempty"`
	Before        *time.Time `json:"before,omitempty"`
	HasAttachment *bool      `json:"hasAttachment,omitempty"`
	Unread        *bool      `json:"unread,omitempty"`
	Flagged       *bool      `json:"flagged,omitempty"`
}

type SearchResult struct {
	MessageHeader
	Score         float64  `json:"score"`
	MatchedFields []string `json:"matchedFields"`
}

type SearchResponse struct {
	Results    []SearchResult `json:"results"`
	Total      int            `json:"total"`
	FromCache  bool           `json:"cached"`
	SearchTime time.Duration  `json:"-"`
}

type MailboxResults struct {
	Mailbox string         `json:"mailbox"`
	Results []SearchResult `json:"results"`
}
