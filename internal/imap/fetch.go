package imap

import (
	"errors"
	"fmt"
	"io"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// ErrMessageNotFound is returned when the selected mailbox has no message with
// the requested UID.
var ErrMessageNotFound = errors.New("message not found")

var headerItems = []imap.FetchItem{
	imap.FetchEnvelope,
	imap.FetchBodyStructure,
	imap.FetchFlags,
	imap.FetchUid,
	imap.FetchRFC822Size,
	imap.FetchInternalDate,
}

// FetchMessageHeaders fetches envelope, body structure, flags and size for the
// given UIDs. UIDs that no longer exist are silently skipped by the server.
func FetchMessageHeaders(c *client.Client, uids []uint32) ([]*imap.Message, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}

	if len(uids) == 0 {
		return []*imap.Message{}, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	return collect(c, seqSet, headerItems, len(uids))
}

// FetchBodyStructure fetches the body structure of one message.
func FetchBodyStructure(c *client.Client, uid uint32) (*imap.Message, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	messages, err := collect(c, seqSet, []imap.FetchItem{imap.FetchUid, imap.FetchBodyStructure, imap.FetchRFC822Size}, 1)
	if err != nil {
		return nil, err
	}
	for _, msg := range messages {
		if msg.Uid == uid && msg.BodyStructure != nil {
			return msg, nil
		}
	}
	return nil, ErrMessageNotFound
}

// FetchFullMessage fetches headers plus the raw RFC 822 content of one
// message without setting \Seen.
func FetchFullMessage(c *client.Client, uid uint32) (*imap.Message, io.Reader, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	section := &imap.BodySectionName{Peek: true}
	items := append(append([]imap.FetchItem{}, headerItems...), section.FetchItem())

	messages, err := collect(c, seqSet, items, 1)
	if err != nil {
		return nil, nil, err
	}
	for _, msg := range messages {
		if msg.Uid == uid {
			body := firstLiteral(msg)
			if body == nil {
				return nil, nil, fmt.Errorf("server returned no body for UID %d", uid)
			}
			return msg, body, nil
		}
	}
	return nil, nil, ErrMessageNotFound
}

// FetchSection fetches one body section (BODY.PEEK[part] or a partial range of
// it). It returns nil when the server sent no literal for it.
func FetchSection(c *client.Client, uid uint32, section *imap.BodySectionName) (imap.Literal, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	section.Peek = true

	messages, err := collect(c, seqSet, []imap.FetchItem{imap.FetchUid, section.FetchItem()}, 1)
	if err != nil {
		return nil, err
	}
	for _, msg := range messages {
		if msg.Uid == uid {
			return firstLiteral(msg), nil
		}
	}
	return nil, ErrMessageNotFound
}

func collect(c *client.Client, seqSet *imap.SeqSet, items []imap.FetchItem, expected int) ([]*imap.Message, error) {
	messages := make(chan *imap.Message, expected)
	done := make(chan error, 1)

	go func() {
		done <- c.UidFetch(seqSet, items, messages)
	}()

	result := make([]*imap.Message, 0, expected)
	for msg := range messages {
		result = append(result, msg)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	return result, nil
}

// firstLiteral returns the single body section the message was fetched with.
// Looking it up with GetBody would require the exact section the server echoed.
func firstLiteral(msg *imap.Message) imap.Literal {
	for _, literal := range msg.Body {
		if literal != nil {
			return literal
		}
	}
	return nil
}
