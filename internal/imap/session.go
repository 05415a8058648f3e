package imap

import (
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// conn is one authenticated upstream connection registered in the pool.
// All mutable fields are guarded by Pool.mu.
type conn struct {
	client    *client.Client
	account   string
	secret    []byte
	createdAt time.Time

	lastUsed    time.Time
	inUse       bool
	acquiredSeq uint64
	discard     bool
}

// alive reports whether the library still considers the connection usable.
func (c *conn) alive() bool {
	state := c.client.State()
	return state == imap.AuthenticatedState || state == imap.SelectedState
}

func (c *conn) logout() {
	_ = c.client.Logout()
}

// Session is a lease on a pooled connection. Between Acquire and Release the
// connection belongs to exactly one caller.
type Session struct {
	pool *Pool
	conn *conn
	seq  uint64
	once sync.Once
}

// Client returns the underlying IMAP client. Only the holder of the session
// may use it.
func (s *Session) Client() *client.Client {
	return s.conn.client
}

func (s *Session) Account() string {
	return s.conn.account
}

// Release hands the connection back to the pool. Calling it more than once, or
// after Pool.Release already released this lease, is a no-op.
func (s *Session) Release() {
	s.once.Do(func() {
		s.pool.release(s.conn, s.seq, false)
	})
}

// Discard drops the connection instead of returning it to idle, for callers
// that saw it break mid-command.
func (s *Session) Discard() {
	s.once.Do(func() {
		s.pool.release(s.conn, s.seq, true)
	})
}
