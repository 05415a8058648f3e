package imap

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// startCleanupGoroutine periodically closes idle and expired sessions.
// It stops when cleanupCtx is canceled (via Pool.Close()).
func (p *Pool) startCleanupGoroutine() {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-p.cleanupCtx.Done():
				return
			case now := <-ticker.C:
				if n := p.sweep(now); n > 0 {
					log.Debugf("imap pool: sweep closed %d sessions", n)
				}
			}
		}
	}()
}

// sweep closes idle sessions past MaxIdle or MaxLifetime and flags in-use
// sessions past MaxLifetime so they close on release. It returns the number of
// sessions closed.
func (p *Pool) sweep(now time.Time) int {
	p.mu.Lock()
	var victims []*conn
	for _, list := range p.conns {
		for _, c := range list {
			expired := p.cfg.MaxLifetime > 0 && now.Sub(c.createdAt) > p.cfg.MaxLifetime
			if c.inUse {
				if expired {
					c.discard = true
				}
				continue
			}
			if expired || (p.cfg.MaxIdle > 0 && now.Sub(c.lastUsed) > p.cfg.MaxIdle) {
				victims = append(victims, c)
			}
		}
	}
	for _, c := range victims {
		p.removeLocked(c)
	}
	if len(victims) > 0 {
		p.signalLocked()
	}
	p.mu.Unlock()

	for _, c := range victims {
		c.logout()
	}
	p.closedCount.Add(int64(len(victims)))
	return len(victims)
}
