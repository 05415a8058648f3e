package websocket

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/vdavid/mailgate/internal/auth"
	"github.com/vdavid/mailgate/internal/logging"
	"github.com/vdavid/mailgate/internal/models"
)

// Notifier delivers a server message to the subscribers of one account's
// mailbox and returns how many clients it was queued for.
type Notifier interface {
	Notify(account, mailbox string, msg Message) int
}

// Authenticator verifies raw credentials against the mail server.
type Authenticator interface {
	Authenticate(ctx context.Context, creds models.Credentials) error
}

// Watcher starts and stops change listeners for accounts with live clients.
type Watcher interface {
	Watch(creds models.Credentials)
	Unwatch(accountID string)
}

type HubConfig struct {
	// AuthTimeout closes connections that have not authenticated in time.
	AuthTimeout time.Duration
	// IdleTimeout closes connections with no frame or pong for this long.
	IdleTimeout time.Duration
	// PingInterval is how often each connection is pinged. Must be shorter
	// than IdleTimeout.
	PingInterval  time.Duration
	WriteTimeout  time.Duration
	MaxPerAccount int
}

func DefaultHubConfig() HubConfig {
	return HubConfig{
		AuthTimeout:   10 * time.Second,
		IdleTimeout:   90 * time.Second,
		PingInterval:  30 * time.Second,
		WriteTimeout:  10 * time.Second,
		MaxPerAccount: 10,
	}
}

type HubStats struct {
	TotalConnections       int64 `json:"totalConnections"`
	CurrentConnections     int   `json:"currentConnections"`
	Authenticated          int   `json:"authenticated"`
	Accounts               int   `json:"accounts"`
	MessagesIn             int64 `json:"messagesIn"`
	MessagesOut            int64 `json:"messagesOut"`
	NotificationsDelivered int64 `json:"notificationsDelivered"`
	NotificationsDropped   int64 `json:"notificationsDropped"`
	AuthFailures           int64 `json:"authFailures"`
}

// Hub manages active WebSocket connections per account.
// It supports multiple connections per account (e.g., multiple tabs), up to
// MaxPerAccount.
type Hub struct {
	cfg     HubConfig
	authn   Authenticator
	tokens  *auth.TokenStore
	watcher Watcher

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	clients   map[*Client]struct{}
	byAccount map[string]map[*Client]struct{} // authenticated clients only
	closed    bool

	totalConnections atomic.Int64
	messagesIn       atomic.Int64
	messagesOut      atomic.Int64
	delivered        atomic.Int64
	dropped          atomic.Int64
	authFailures     atomic.Int64
}

// NewHub creates a hub. authn checks raw credentials; tokens issues and
// validates bearer tokens.
func NewHub(cfg HubConfig, authn Authenticator, tokens *auth.TokenStore) *Hub {
	def := DefaultHubConfig()
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = def.AuthTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.IdleTimeout {
		cfg.PingInterval = cfg.IdleTimeout / 3
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxPerAccount <= 0 {
		cfg.MaxPerAccount = def.MaxPerAccount
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:       cfg,
		authn:     authn,
		tokens:    tokens,
		ctx:       ctx,
		cancel:    cancel,
		clients:   make(map[*Client]struct{}),
		byAccount: make(map[string]map[*Client]struct{}),
	}
}

// SetWatcher attaches the change watcher. It must be called before Serve.
func (h *Hub) SetWatcher(w Watcher) {
	h.watcher = w
}

// Serve runs one connection until it closes. The connection starts
// unauthenticated and is closed if it does not authenticate within
// AuthTimeout.
func (h *Hub) Serve(conn *websocket.Conn) {
	c := newClient(h, conn)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.totalConnections.Add(1)

	c.authTimer = time.AfterFunc(h.cfg.AuthTimeout, func() {
		h.mu.RLock()
		authenticated := c.authenticated
		h.mu.RUnlock()
		if authenticated {
			return
		}
		log.WithField("client", c.id).Debug("websocket: authentication timeout")
		c.enqueue(Error("authentication timeout"))
		c.close()
	})

	go c.writePump()
	c.readPump()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	lastForAccount := false
	if c.authenticated {
		if set, ok := h.byAccount[c.account]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.byAccount, c.account)
				lastForAccount = true
			}
		}
	}
	account := c.account
	h.mu.Unlock()

	c.close()

	if lastForAccount && h.watcher != nil {
		h.watcher.Unwatch(account)
	}
}

func (h *Hub) handle(c *Client, data []byte) {
	msg, err := DecodeInbound(data)
	if err != nil {
		c.enqueue(Error(err.Error()))
		return
	}

	switch m := msg.(type) {
	case *AuthRequest:
		h.authenticate(c, m)
	case *SubscribeRequest:
		if h.updateSubscription(c, m.Mailbox, true) {
			c.enqueue(Subscribed(normalizeMailbox(m.Mailbox)))
		}
	case *UnsubscribeRequest:
		if h.updateSubscription(c, m.Mailbox, false) {
			c.enqueue(Unsubscribed(normalizeMailbox(m.Mailbox)))
		}
	case *PingRequest:
		c.enqueue(Pong())
	}
}

func (h *Hub) authenticate(c *Client, req *AuthRequest) {
	h.mu.RLock()
	already := c.authenticated
	h.mu.RUnlock()
	if already {
		c.enqueue(Error("already authenticated"))
		return
	}

	var (
		creds models.Credentials
		token string
	)
	if req.Token != "" {
		var err error
		creds, err = h.tokens.Validate(req.Token)
		if err != nil {
			h.authFailures.Add(1)
			msg := "invalid token"
			if errors.Is(err, auth.ErrTokenExpired) {
				msg = "token expired"
			}
			c.enqueue(Error(msg))
			return
		}
	} else {
		creds = models.Credentials{Email: req.Email, Password: req.Password}
		ctx, cancel := context.WithTimeout(h.ctx, h.cfg.AuthTimeout)
		err := h.authn.Authenticate(ctx, creds)
		cancel()
		if err != nil {
			h.authFailures.Add(1)
			log.WithField("account", logging.Account(creds.Email)).Infof("websocket: authentication failed: %v", err)
			c.enqueue(Error("authentication failed"))
			return
		}

		token, _, err = h.tokens.Issue(creds)
		if err != nil {
			log.Printf("websocket: failed to issue token: %v", err)
			c.enqueue(Error("authentication failed"))
			return
		}
	}

	if !h.promote(c, creds) {
		c.enqueue(Error("too many connections for this account"))
		c.close()
		return
	}
	c.enqueue(AuthSuccess(creds.Email, token))
}

// promote marks the client authenticated. It fails when the account already
// has MaxPerAccount authenticated connections.
func (h *Hub) promote(c *Client, creds models.Credentials) bool {
	account := creds.AccountID()

	h.mu.Lock()
	set, ok := h.byAccount[account]
	if !ok {
		set = make(map[*Client]struct{})
		h.byAccount[account] = set
	}
	if len(set) >= h.cfg.MaxPerAccount {
		if len(set) == 0 {
			delete(h.byAccount, account)
		}
		h.mu.Unlock()
		log.WithField("account", logging.Account(account)).Warnf("websocket: exceeded max connections (%d), closing new connection", h.cfg.MaxPerAccount)
		return false
	}
	first := len(set) == 0
	set[c] = struct{}{}
	c.account = account
	c.email = creds.Email
	c.authenticated = true
	h.mu.Unlock()

	if c.authTimer != nil {
		c.authTimer.Stop()
	}
	if first && h.watcher != nil {
		h.watcher.Watch(creds)
	}
	return true
}

func (h *Hub) updateSubscription(c *Client, mailbox string, add bool) bool {
	mailbox = normalizeMailbox(mailbox)

	h.mu.Lock()
	if !c.authenticated {
		h.mu.Unlock()
		c.enqueue(Error("not authenticated"))
		return false
	}
	if add {
		c.subscriptions[mailbox] = struct{}{}
	} else {
		delete(c.subscriptions, mailbox)
	}
	h.mu.Unlock()
	return true
}

// Notify queues msg for every authenticated client of the account subscribed
// to mailbox. It never blocks on a slow client.
func (h *Hub) Notify(account, mailbox string, msg Message) int {
	mailbox = normalizeMailbox(mailbox)

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.byAccount[account]))
	for c := range h.byAccount[account] {
		if _, ok := c.subscriptions[mailbox]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	n := 0
	for _, c := range targets {
		if c.enqueue(msg) {
			n++
		} else {
			h.dropped.Add(1)
		}
	}
	h.delivered.Add(int64(n))
	return n
}

// Run closes idle connections and purges expired tokens until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := h.sweep(now); n > 0 {
				log.Debugf("websocket: closed %d idle connections", n)
			}
			h.tokens.PurgeExpired()
		}
	}
}

func (h *Hub) sweep(now time.Time) int {
	h.mu.RLock()
	var idle []*Client
	for c := range h.clients {
		if c.idleSince(now) > h.cfg.IdleTimeout {
			idle = append(idle, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range idle {
		c.enqueue(Error("idle timeout"))
		c.close()
	}
	return len(idle)
}

// ActiveConnections returns the number of authenticated connections for an
// account.
func (h *Hub) ActiveConnections(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.byAccount[accountID])
}

func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := HubStats{
		TotalConnections:       h.totalConnections.Load(),
		CurrentConnections:     len(h.clients),
		Accounts:               len(h.byAccount),
		MessagesIn:             h.messagesIn.Load(),
		MessagesOut:            h.messagesOut.Load(),
		NotificationsDelivered: h.delivered.Load(),
		NotificationsDropped:   h.dropped.Load(),
		AuthFailures:           h.authFailures.Load(),
	}
	for _, set := range h.byAccount {
		stats.Authenticated += len(set)
	}
	return stats
}

// Close closes every connection and rejects new ones.
func (h *Hub) Close() {
	h.cancel()

	h.mu.Lock()
	h.closed = true
	all := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.Unlock()

	for _, c := range all {
		c.close()
	}
}

// normalizeMailbox folds INBOX, which IMAP treats case-insensitively.
func normalizeMailbox(name string) string {
	if strings.EqualFold(name, "INBOX") {
		return "INBOX"
	}
	return name
}

var _ Notifier = (*Hub)(nil)
