package search

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/vdavid/mailgate/internal/cache"
	imapsvc "github.com/vdavid/mailgate/internal/imap"
	"github.com/vdavid/mailgate/internal/logging"
	"github.com/vdavid/mailgate/internal/models"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultLimit    = 50
	MaxLimit        = 100
	MaxQuickLimit   = 50
	defaultMatches  = 200
	defaultParallel = 3
	defaultMailbox  = "INBOX"
)

type Config struct {
	// MaxMatches caps how many of the newest matches are fetched and ranked
	// per mailbox.
	MaxMatches int
	// Parallelism bounds the mailboxes searched at once by SearchAll.
	Parallelism int
}

type Stats struct {
	Searches  int64 `json:"searches"`
	CacheHits int64 `json:"cacheHits"`
	Failures  int64 `json:"failures"`
}

// Engine runs structured searches on pooled sessions and caches the ranked
// result sets.
type Engine struct {
	pool  imapsvc.SessionPool
	cache *cache.Service
	cfg   Config
	now   func() time.Time

	searches  atomic.Int64
	cacheHits atomic.Int64
	failures  atomic.Int64
}

// NewEngine creates a search engine. cache may be nil.
func NewEngine(pool imapsvc.SessionPool, c *cache.Service, cfg Config) *Engine {
	if cfg.MaxMatches <= 0 {
		cfg.MaxMatches = defaultMatches
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = defaultParallel
	}
	return &Engine{pool: pool, cache: c, cfg: cfg, now: time.Now}
}

// Search returns one page of the ranked matches in a mailbox.
func (e *Engine) Search(ctx context.Context, creds models.Credentials, mailbox string, query models.SearchQuery, limit, offset int) (*models.SearchResponse, error) {
	start := time.Now()

	if err := Validate(query); err != nil {
		return nil, err
	}
	if offset < 0 {
		return nil, fmt.Errorf("%w: negative offset", ErrInvalidQuery)
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if mailbox == "" {
		mailbox = defaultMailbox
	}

	e.searches.Add(1)
	query = Normalize(query)
	key := cache.Key{Kind: cache.KindSearch, Account: creds.AccountID(), Scope: mailbox, ID: cacheID(query)}

	var ranked []models.SearchResult
	fromCache := e.cache.Get(ctx, key, &ranked)
	if fromCache {
		if err := e.pool.Verify(ctx, creds); err != nil {
			e.failures.Add(1)
			return nil, err
		}
		e.cacheHits.Add(1)
	} else {
		var err error
		ranked, err = e.rank(ctx, creds, mailbox, query)
		if err != nil {
			e.failures.Add(1)
			return nil, err
		}
		e.cache.Put(ctx, key, ranked)
	}

	return &models.SearchResponse{
		Results:    page(ranked, offset, limit),
		Total:      len(ranked),
		FromCache:  fromCache,
		SearchTime: time.Since(start),
	}, nil
}

// QuickSearch is a free-text search capped at MaxQuickLimit results.
func (e *Engine) QuickSearch(ctx context.Context, creds models.Credentials, mailbox, term string, limit int) (*models.SearchResponse, error) {
	if strings.TrimSpace(term) == "" {
		return nil, fmt.Errorf("%w: empty search term", ErrInvalidQuery)
	}
	if limit <= 0 || limit > MaxQuickLimit {
		limit = MaxQuickLimit
	}
	return e.Search(ctx, creds, mailbox, models.SearchQuery{Text: term}, limit, 0)
}

// SearchAll runs the query in every selectable mailbox and keeps those with at
// least one hit. The limit is split evenly between mailboxes. A mailbox that
// fails is logged and left out.
func (e *Engine) SearchAll(ctx context.Context, creds models.Credentials, query models.SearchQuery, limit int) ([]models.MailboxResults, error) {
	if err := Validate(query); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	mailboxes, err := e.selectableMailboxes(ctx, creds)
	if err != nil {
		return nil, err
	}
	if len(mailboxes) == 0 {
		return []models.MailboxResults{}, nil
	}
	budget := max(1, limit/len(mailboxes))

	logger := log.WithField("account", logging.Account(creds.Email))
	perMailbox := make([][]models.SearchResult, len(mailboxes))

	var g errgroup.Group
	g.SetLimit(e.cfg.Parallelism)
	for i, mailbox := range mailboxes {
		g.Go(func() error {
			resp, err := e.Search(ctx, creds, mailbox, query, budget, 0)
			if err != nil {
				logger.WithError(err).Warnf("search: skipping mailbox %s", mailbox)
				return nil
			}
			perMailbox[i] = resp.Results
			return nil
		})
	}
	_ = g.Wait()

	results := make([]models.MailboxResults, 0, len(mailboxes))
	for i, mailbox := range mailboxes {
		if len(perMailbox[i]) > 0 {
			results = append(results, models.MailboxResults{Mailbox: mailbox, Results: perMailbox[i]})
		}
	}
	return results, nil
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Searches:  e.searches.Load(),
		CacheHits: e.cacheHits.Load(),
		Failures:  e.failures.Load(),
	}
}

// rank runs the IMAP search and scores the newest MaxMatches hits. The
// session is released before returning, on every path.
func (e *Engine) rank(ctx context.Context, creds models.Credentials, mailbox string, query models.SearchQuery) ([]models.SearchResult, error) {
	session, err := e.pool.Acquire(ctx, creds)
	if err != nil {
		return nil, err
	}
	defer session.Release()
	c := session.Client()

	if _, err := c.Select(mailbox, true); err != nil {
		return nil, fmt.Errorf("failed to select folder %s: %w", mailbox, err)
	}

	uids, err := imapsvc.SearchNewestFirst(c, BuildCriteria(query))
	if err != nil {
		return nil, err
	}
	if len(uids) > e.cfg.MaxMatches {
		uids = uids[:e.cfg.MaxMatches]
	}

	messages, err := imapsvc.FetchMessageHeaders(c, uids)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch message headers: %w", err)
	}

	now := e.now()
	ranked := make([]models.SearchResult, 0, len(messages))
	for _, msg := range messages {
		header := imapsvc.ParseHeader(msg, mailbox)
		if query.HasAttachment != nil && header.HasAttachments != *query.HasAttachment {
			continue
		}
		score, matched := Score(header, query, now)
		ranked = append(ranked, models.SearchResult{MessageHeader: header, Score: score, MatchedFields: matched})
	}
	Rank(ranked)
	return ranked, nil
}

func (e *Engine) selectableMailboxes(ctx context.Context, creds models.Credentials) ([]string, error) {
	session, err := e.pool.Acquire(ctx, creds)
	if err != nil {
		return nil, err
	}
	defer session.Release()
	return imapsvc.SelectableFolders(session.Client())
}

func page(results []models.SearchResult, offset, limit int) []models.SearchResult {
	if offset >= len(results) {
		return []models.SearchResult{}
	}
	end := min(offset+limit, len(results))
	return results[offset:end]
}

// Searcher is the part of Engine the HTTP handlers depend on.
type Searcher interface {
	Search(ctx context.Context, creds models.Credentials, mailbox string, query models.SearchQuery, limit, offset int) (*models.SearchResponse, error)
	QuickSearch(ctx context.Context, creds models.Credentials, mailbox, term string, limit int) (*models.SearchResponse, error)
	SearchAll(ctx context.Context, creds models.Credentials, query models.SearchQuery, limit int) ([]models.MailboxResults, error)
	Stats() Stats
}

var _ Searcher = (*Engine)(nil)
