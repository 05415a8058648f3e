package imap

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/vdavid/mailgate/internal/logging"
	"github.com/vdavid/mailgate/internal/models"
)

var (
	// ErrPoolExhausted is returned when no session could be obtained before the
	// acquire timeout. It is transient; callers may retry later.
	ErrPoolExhausted = errors.New("imap connection pool exhausted")
	ErrPoolClosed    = errors.New("imap connection pool closed")
)

type PoolConfig struct {
	// MaxSessions caps sessions across all accounts, idle and in use.
	MaxSessions int
	// MaxIdle closes sessions idle for longer than this.
	MaxIdle time.Duration
	// MaxLifetime closes sessions older than this, idle or not (on release).
	MaxLifetime time.Duration
	// SweepInterval is how often idle sessions are checked.
	SweepInterval time.Duration
	// AcquireTimeout is how long Acquire waits for a release when the pool is
	// full and nothing is idle. Zero fails immediately.
	AcquireTimeout time.Duration
	// HealthCheckAfter sends NOOP before reusing a session idle this long.
	HealthCheckAfter time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxSessions:      50,
		MaxIdle:          5 * time.Minute,
		MaxLifetime:      30 * time.Minute,
		SweepInterval:    time.Minute,
		AcquireTimeout:   10 * time.Second,
		HealthCheckAfter: time.Minute,
	}
}

type PoolStats struct {
	Created     int64 `json:"created"`
	Reused      int64 `json:"reused"`
	Closed      int64 `json:"closed"`
	Evicted     int64 `json:"evicted"`
	Failed      int64 `json:"failed"`
	Active      int   `json:"active"`
	Idle        int   `json:"idle"`
	Total       int   `json:"total"`
	Waiting     int   `json:"waiting"`
	Accounts    int   `json:"accounts"`
	MaxSessions int   `json:"maxSessions"`
}

// Pool shares authenticated IMAP sessions across requests, keyed by account.
//
// Thread safety: the registry is guarded by mu. A session's client is only
// touched by the caller holding its lease, or by the pool after the session
// has been removed from the registry.
type Pool struct {
	cfg  PoolConfig
	dial Dialer
	salt []byte // keys credential fingerprints; never leaves the process

	mu      sync.Mutex
	conns   map[string][]*conn // account -> sessions
	total   int                // registered sessions plus slots reserved by in-flight dials
	waiting int
	seq     uint64
	changed chan struct{} // closed and replaced whenever capacity may have freed up
	closed  bool

	cleanupCtx    context.Context
	cleanupCancel context.CancelFunc

	created     atomic.Int64
	reused      atomic.Int64
	closedCount atomic.Int64
	evicted     atomic.Int64
	failed      atomic.Int64
}

// NewPool creates a pool and starts its background sweep.
func NewPool(cfg PoolConfig, dial Dialer) *Pool {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultPoolConfig().MaxSessions
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultPoolConfig().SweepInterval
	}

	salt := make([]byte, 32)
	_, _ = rand.Read(salt)

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:           cfg,
		dial:          dial,
		salt:          salt,
		conns:         make(map[string][]*conn),
		changed:       make(chan struct{}),
		cleanupCtx:    ctx,
		cleanupCancel: cancel,
	}
	p.startCleanupGoroutine()
	return p
}

// Acquire returns a session for the account. It reuses an idle session opened
// with the same credentials when one passes its health check, creates a new one while under
// capacity, and otherwise evicts the least recently used idle session of any
// account. If every session is in use it waits for a release until the
// acquire timeout or ctx expires.
func (p *Pool) Acquire(ctx context.Context, creds models.Credentials) (*Session, error) {
	account := creds.AccountID()
	secret := p.fingerprint(creds)
	var timeout <-chan time.Time

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		if c, idleFor := p.takeIdleLocked(account, secret); c != nil {
			seq := p.leaseLocked(c)
			p.mu.Unlock()

			if !p.healthy(c, idleFor) {
				p.release(c, seq, true)
				continue
			}
			p.reused.Add(1)
			return &Session{pool: p, conn: c, seq: seq}, nil
		}

		if p.total < p.cfg.MaxSessions {
			p.total++
			p.mu.Unlock()
			return p.create(ctx, account, secret, creds)
		}

		// Eviction is global: the victim may belong to any account, including
		// one that is about to come back for it.
		if victim := p.oldestIdleLocked(); victim != nil {
			p.removeLocked(victim)
			p.mu.Unlock()

			p.evicted.Add(1)
			p.closedCount.Add(1)
			log.WithField("account", logging.Account(victim.account)).Debug("imap pool: evicting idle session to make room")
			victim.logout()
			continue
		}

		if timeout == nil {
			if p.cfg.AcquireTimeout <= 0 {
				p.mu.Unlock()
				return nil, ErrPoolExhausted
			}
			timer := time.NewTimer(p.cfg.AcquireTimeout)
			defer timer.Stop()
			timeout = timer.C
		}

		changed := p.changed
		p.waiting++
		p.mu.Unlock()

		var err error
		select {
		case <-changed:
		case <-timeout:
			err = ErrPoolExhausted
		case <-ctx.Done():
			err = fmt.Errorf("%w: %v", ErrPoolExhausted, ctx.Err())
		}

		p.mu.Lock()
		p.waiting--
		p.mu.Unlock()

		if err != nil {
			return nil, err
		}
	}
}

// create dials a new session into a slot already reserved in p.total.
func (p *Pool) create(ctx context.Context, account string, secret []byte, creds models.Credentials) (*Session, error) {
	client, err := p.dial(ctx, creds)
	if err != nil {
		p.mu.Lock()
		p.total--
		p.signalLocked()
		p.mu.Unlock()

		p.failed.Add(1)
		return nil, err
	}

	now := time.Now()
	c := &conn{client: client, account: account, secret: secret, createdAt: now, lastUsed: now}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		c.logout()
		return nil, ErrPoolClosed
	}
	p.conns[account] = append(p.conns[account], c)
	seq := p.leaseLocked(c)
	p.mu.Unlock()

	p.created.Add(1)
	return &Session{pool: p, conn: c, seq: seq}, nil
}

func (p *Pool) healthy(c *conn, idleFor time.Duration) bool {
	if !c.alive() {
		return false
	}
	if p.cfg.HealthCheckAfter > 0 && idleFor > p.cfg.HealthCheckAfter {
		if err := c.client.Noop(); err != nil {
			log.WithError(err).WithField("account", logging.Account(c.account)).Debug("imap pool: idle session failed health check")
			return false
		}
	}
	return true
}

// Release returns the most recently acquired in-use session of the account.
func (p *Pool) Release(accountID string) {
	p.mu.Lock()
	var target *conn
	for _, c := range p.conns[accountID] {
		if c.inUse && (target == nil || c.acquiredSeq > target.acquiredSeq) {
			target = c
		}
	}
	if target == nil {
		p.mu.Unlock()
		return
	}
	seq := target.acquiredSeq
	p.mu.Unlock()

	p.release(target, seq, false)
}

func (p *Pool) release(c *conn, seq uint64, discard bool) {
	alive := c.alive()

	p.mu.Lock()
	if !c.inUse || c.acquiredSeq != seq {
		p.mu.Unlock()
		return
	}
	c.inUse = false
	c.lastUsed = time.Now()

	expired := p.cfg.MaxLifetime > 0 && time.Since(c.createdAt) > p.cfg.MaxLifetime
	drop := discard || c.discard || !alive || expired
	removed := false
	if drop {
		removed = p.removeLocked(c)
	}
	p.signalLocked()
	p.mu.Unlock()

	if removed {
		p.closedCount.Add(1)
		c.logout()
	}
}

// RemoveAccount closes every idle session of the account and makes in-use
// ones close on release.
func (p *Pool) RemoveAccount(accountID string) {
	p.mu.Lock()
	var idle []*conn
	for _, c := range append([]*conn(nil), p.conns[accountID]...) {
		if c.inUse {
			c.discard = true
			continue
		}
		p.removeLocked(c)
		idle = append(idle, c)
	}
	if len(idle) > 0 {
		p.signalLocked()
	}
	p.mu.Unlock()

	for _, c := range idle {
		c.logout()
	}
	p.closedCount.Add(int64(len(idle)))
}

// Verify checks credentials without touching the server when a registered
// session of the account was opened with them, and authenticates otherwise.
// Cached reads call it so that the cache never answers for a wrong password.
func (p *Pool) Verify(ctx context.Context, creds models.Credentials) error {
	secret := p.fingerprint(creds)

	p.mu.Lock()
	for _, c := range p.conns[creds.AccountID()] {
		if hmac.Equal(c.secret, secret) {
			p.mu.Unlock()
			return nil
		}
	}
	p.mu.Unlock()

	return p.Authenticate(ctx, creds)
}

// Authenticate checks credentials by acquiring and immediately releasing a
// session. A successful check leaves a warm idle session behind.
func (p *Pool) Authenticate(ctx context.Context, creds models.Credentials) error {
	s, err := p.Acquire(ctx, creds)
	if err != nil {
		return err
	}
	s.Release()
	return nil
}

// Close logs out every session, idle or in use, and stops the sweep.
// Acquire fails with ErrPoolClosed afterwards.
func (p *Pool) Close() {
	p.cleanupCancel()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var all []*conn
	for _, list := range p.conns {
		all = append(all, list...)
	}
	p.conns = make(map[string][]*conn)
	p.total -= len(all)
	p.signalLocked()
	p.mu.Unlock()

	for _, c := range all {
		c.logout()
	}
	p.closedCount.Add(int64(len(all)))
	log.Infof("imap pool: closed %d sessions", len(all))
}

func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{
		Created:     p.created.Load(),
		Reused:      p.reused.Load(),
		Closed:      p.closedCount.Load(),
		Evicted:     p.evicted.Load(),
		Failed:      p.failed.Load(),
		Total:       p.total,
		Waiting:     p.waiting,
		Accounts:    len(p.conns),
		MaxSessions: p.cfg.MaxSessions,
	}
	for _, list := range p.conns {
		for _, c := range list {
			if c.inUse {
				stats.Active++
			} else {
				stats.Idle++
			}
		}
	}
	return stats
}

// takeIdleLocked picks the most recently used idle session of the account
// opened with the same credentials, so that rarely needed extra sessions age
// out. Sessions left over from an old password are never handed out.
func (p *Pool) takeIdleLocked(account string, secret []byte) (*conn, time.Duration) {
	var best *conn
	for _, c := range p.conns[account] {
		if !c.inUse && hmac.Equal(c.secret, secret) && (best == nil || c.lastUsed.After(best.lastUsed)) {
			best = c
		}
	}
	if best == nil {
		return nil, 0
	}
	return best, time.Since(best.lastUsed)
}

func (p *Pool) fingerprint(creds models.Credentials) []byte {
	mac := hmac.New(sha256.New, p.salt)
	mac.Write([]byte(creds.Email))
	mac.Write([]byte{0})
	mac.Write([]byte(creds.Password))
	return mac.Sum(nil)
}

func (p *Pool) oldestIdleLocked() *conn {
	var oldest *conn
	for _, list := range p.conns {
		for _, c := range list {
			if !c.inUse && (oldest == nil || c.lastUsed.Before(oldest.lastUsed)) {
				oldest = c
			}
		}
	}
	return oldest
}

func (p *Pool) leaseLocked(c *conn) uint64 {
	p.seq++
	c.inUse = true
	c.acquiredSeq = p.seq
	c.lastUsed = time.Now()
	return p.seq
}

// removeLocked unregisters c and frees its slot. It reports false when c was
// no longer registered.
func (p *Pool) removeLocked(c *conn) bool {
	list := p.conns[c.account]
	for i, other := range list {
		if other == c {
			list = append(list[:i], list[i+1:]...)
			if len(list) == 0 {
				delete(p.conns, c.account)
			} else {
				p.conns[c.account] = list
			}
			p.total--
			return true
		}
	}
	return false
}

func (p *Pool) signalLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}
