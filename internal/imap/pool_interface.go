package imap

import (
	"context"

	"github.com/vdavid/mailgate/internal/models"
)

// SessionPool is the part of Pool that services depend on.
type SessionPool interface {
	// Acquire returns a session for the account. Callers must always call
	// Release (or Discard) on it when done.
	Acquire(ctx context.Context, creds models.Credentials) (*Session, error)

	// Verify checks credentials, reusing what the pool already knows.
	Verify(ctx context.Context, creds models.Credentials) error

	// Release returns the most recently acquired in-use session of the account.
	Release(accountID string)

	// RemoveAccount closes the account's sessions (logout).
	RemoveAccount(accountID string)

	Stats() PoolStats

	// Close closes all sessions in the pool.
	Close()
}

// Ensure Pool implements SessionPool interface
var _ SessionPool = (*Pool)(nil)
