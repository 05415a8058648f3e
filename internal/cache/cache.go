package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// TTLs are the default lifetimes per kind. Mailbox lists and message bodies
// change rarely and live longer than message pages.
type TTLs struct {
	Mailboxes   time.Duration
	Messages    time.Duration
	Message     time.Duration
	Attachments time.Duration
	Search      time.Duration
}

func DefaultTTLs() TTLs {
	return TTLs{
		Mailboxes:   5 * time.Minute,
		Messages:    time.Minute,
		Message:     10 * time.Minute,
		Attachments: 10 * time.Minute,
		Search:      2 * time.Minute,
	}
}

func (t TTLs) For(kind Kind) time.Duration {
	switch kind {
	case KindMailboxes:
		return t.Mailboxes
	case KindMessages:
		return t.Messages
	case KindMessage:
		return t.Message
	case KindAttachments:
		return t.Attachments
	case KindSearch:
		return t.Search
	}
	return time.Minute
}

type Stats struct {
	Enabled   bool    `json:"enabled"`
	Available bool    `json:"available"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Sets      int64   `json:"sets"`
	Deletes   int64   `json:"deletes"`
	Errors    int64   `json:"errors"`
	HitRate   float64 `json:"hitRate"`
}

// Service is a best-effort cache. Store failures never reach callers: reads
// turn into misses and writes are dropped until the store answers a ping again.
// Invalidations are always attempted. An account whose invalidation failed is
// flushed before the cache is used again.
type Service struct {
	store     Store
	ttls      TTLs
	available atomic.Bool

	mu    sync.Mutex
	stale map[string]struct{}

	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
	errors  atomic.Int64
}

// NewService wraps store. A nil store gives a pass-through cache.
func NewService(store Store, ttls TTLs) *Service {
	s := &Service{store: store, ttls: ttls, stale: make(map[string]struct{})}
	s.available.Store(store != nil)
	return s
}

func (s *Service) TTLs() TTLs {
	return s.ttls
}

func (s *Service) usable() bool {
	return s != nil && s.store != nil && s.available.Load()
}

func (s *Service) fail(op string, err error) {
	s.errors.Add(1)
	if s.available.CompareAndSwap(true, false) {
		log.WithError(err).Warnf("cache: %s failed, running without cache until the store recovers", op)
	}
}

// Get decodes the cached value into dest and reports whether it was a hit.
func (s *Service) Get(ctx context.Context, key Key, dest any) bool {
	if s == nil {
		return false
	}
	if !s.usable() {
		s.misses.Add(1)
		return false
	}

	data, err := s.store.Get(ctx, key.String())
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			s.fail("get", err)
		}
		s.misses.Add(1)
		return false
	}

	if err := json.Unmarshal(data, dest); err != nil {
		log.WithError(err).Warnf("cache: dropping undecodable entry %s", key.Kind)
		_, _ = s.store.Delete(ctx, key.String())
		s.misses.Add(1)
		return false
	}

	s.hits.Add(1)
	return true
}

func (s *Service) Set(ctx context.Context, key Key, value any, ttl time.Duration) {
	if !s.usable() {
		return
	}

	data, err := json.Marshal(value)
	if err != nil {
		log.WithError(err).Errorf("cache: failed to encode %s entry", key.Kind)
		return
	}

	if err := s.store.Set(ctx, key.String(), data, ttl); err != nil {
		s.fail("set", err)
		return
	}
	s.sets.Add(1)
}

// Put stores value with the default TTL of its kind.
func (s *Service) Put(ctx context.Context, key Key, value any) {
	if s == nil {
		return
	}
	s.Set(ctx, key, value, s.ttls.For(key.Kind))
}

// Invalidate drops every page, body, attachment list and search result cached
// for one mailbox of the account, plus the account's mailbox list.
func (s *Service) Invalidate(ctx context.Context, account, mailbox string) {
	if s == nil || s.store == nil {
		return
	}

	n, err := s.store.Delete(ctx, Key{Kind: KindMailboxes, Account: account}.String())
	if err == nil {
		for _, kind := range mailboxScoped {
			var deleted int64
			deleted, err = s.store.DeleteMatching(ctx, scopePattern(kind, account, mailbox))
			n += deleted
			if err != nil {
				break
			}
		}
	}
	s.deletes.Add(n)
	if err != nil {
		s.fail("invalidate", err)
		s.markStale(account)
	}
}

// InvalidateAll drops every entry of the account.
func (s *Service) InvalidateAll(ctx context.Context, account string) {
	if s == nil || s.store == nil {
		return
	}
	if err := s.deleteAccount(ctx, account); err != nil {
		s.fail("invalidate", err)
		s.markStale(account)
	}
}

func (s *Service) deleteAccount(ctx context.Context, account string) error {
	for _, kind := range allKinds {
		deleted, err := s.store.DeleteMatching(ctx, accountPattern(kind, account))
		s.deletes.Add(deleted)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) markStale(account string) {
	s.mu.Lock()
	s.stale[account] = struct{}{}
	s.mu.Unlock()
}

// flushStale drops every entry of the accounts whose invalidation did not
// reach the store. Accounts that still fail stay marked.
func (s *Service) flushStale(ctx context.Context) error {
	s.mu.Lock()
	pending := s.stale
	s.stale = make(map[string]struct{})
	s.mu.Unlock()

	var firstErr error
	for account := range pending {
		if firstErr == nil {
			firstErr = s.deleteAccount(ctx, account)
			if firstErr == nil {
				continue
			}
		}
		s.markStale(account)
	}
	return firstErr
}

// Probe pings the store and restores availability when it answers.
func (s *Service) Probe(ctx context.Context) bool {
	if s == nil || s.store == nil {
		return false
	}
	if err := s.store.Ping(ctx); err != nil {
		s.fail("ping", err)
		return false
	}
	if err := s.flushStale(ctx); err != nil {
		s.fail("flush", err)
		return false
	}
	if s.available.CompareAndSwap(false, true) {
		log.Info("cache: store reachable, cache enabled")
	}
	return true
}

// Run probes the store every interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if s == nil || s.store == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.available.Load() {
				pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
				s.Probe(pingCtx)
				cancel()
			}
		}
	}
}

func (s *Service) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	st := Stats{
		Enabled:   s.store != nil,
		Available: s.usable(),
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Sets:      s.sets.Load(),
		Deletes:   s.deletes.Load(),
		Errors:    s.errors.Load(),
	}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}
	return st
}

func (s *Service) Close() error {
	if s == nil || s.store == nil {
		return nil
	}
	return s.store.Close()
}
