package cache

import "strings"

const keyPrefix = "mailgate"

// Kind selects a key namespace. Search results live in their own namespace so
// that they never collide with message pages of the same mailbox.
type Kind string

const (
	KindMailboxes   Kind = "mailboxes"
	KindMessages    Kind = "messages"
	KindMessage     Kind = "message"
	KindAttachments Kind = "attachments"
	KindSearch      Kind = "search"
)

// mailboxScoped kinds are dropped by Invalidate for a single mailbox.
var mailboxScoped = []Kind{KindMessages, KindMessage, KindAttachments, KindSearch}

var allKinds = []Kind{KindMailboxes, KindMessages, KindMessage, KindAttachments, KindSearch}

type Key struct {
	Kind    Kind
	Account string
	Scope   string
	ID      string
}

func (k Key) String() string {
	return strings.Join([]string{keyPrefix, string(k.Kind), escape(k.Account), escape(k.Scope), escape(k.ID)}, ":")
}

func scopePattern(kind Kind, account, scope string) string {
	return strings.Join([]string{keyPrefix, string(kind), escape(account), escape(scope), "*"}, ":")
}

func accountPattern(kind Kind, account string) string {
	return strings.Join([]string{keyPrefix, string(kind), escape(account), "*"}, ":")
}

// escape percent-encodes the separator and glob metacharacters so a pattern
// built from one mailbox name can never match keys of another.
func escape(s string) string {
	if !strings.ContainsAny(s, `%:*?[]\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '%', ':', '*', '?', '[', ']', '\\':
			b.WriteByte('%')
			b.WriteByte("0123456789ABCDEF"[c>>4])
			b.WriteByte("0123456789ABCDEF"[c&15])
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
