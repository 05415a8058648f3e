package imap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/client"
	"github.com/vdavid/mailgate/internal/models"
)

// ErrAuthFailed marks a login rejected by the upstream server. Callers must not
// retry it with the same credentials.
var ErrAuthFailed = errors.New("imap authentication failed")

// Dialer opens and authenticates a new upstream session.
type Dialer func(ctx context.Context, creds models.Credentials) (*client.Client, error)

// NewDialer returns a Dialer for server ("host:port").
// useTLS: true for production (TLS), false for tests (non-TLS).
// commandTimeout bounds every command on the resulting client; zero disables it.
func NewDialer(server string, useTLS bool, commandTimeout time.Duration) Dialer {
	return func(ctx context.Context, creds models.Credentials) (*client.Client, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		c, err := ConnectToIMAP(ctx, server, useTLS)
		if err != nil {
			return nil, err
		}
		c.Timeout = commandTimeout

		if err := Login(c, creds.Email, creds.Password); err != nil {
			_ = c.Logout()
			return nil, err
		}
		return c, nil
	}
}

// ConnectToIMAP connects to the IMAP server with a 5-second timeout, or the
// context deadline when it is sooner.
func ConnectToIMAP(ctx context.Context, server string, useTLS bool) (*client.Client, error) {
	dialer := &net.Dialer{
		Timeout: 5 * time.Second,
	}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	if useTLS {
		c, err := client.DialWithDialerTLS(dialer, server, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to dial with TLS: %w", err)
		}
		return c, nil
	}

	c, err := client.DialWithDialer(dialer, server)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	return c, nil
}

// Login authenticates with the IMAP server. A NO response is reported as
// ErrAuthFailed; transport errors are returned as they are.
func Login(c *client.Client, username, password string) error {
	if err := c.Login(username, password); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) {
			return fmt.Errorf("failed to authenticate: %w", err)
		}
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	return nil
}
