package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/vdavid/mailgate/internal/models"
	"github.com/vdavid/mailgate/internal/search"
)

// Searcher is a mock of search.Searcher.
type Searcher struct {
	mock.Mock
}

func NewSearcher(t TestingT) *Searcher {
	m := &Searcher{}
	register(&m.Mock, t)
	return m
}

func (m *Searcher) Search(ctx context.Context, creds models.Credentials, mailbox string, query models.SearchQuery, limit, offset int) (*models.SearchResponse, error) {
	args := m.Called(ctx, creds, mailbox, query, limit, offset)
	resp, _ := args.Get(0).(*models.SearchResponse)
	return resp, args.Error(1)
}

func (m *Searcher) QuickSearch(ctx context.Context, creds models.Credentials, mailbox, term string, limit int) (*models.SearchResponse, error) {
	args := m.Called(ctx, creds, mailbox, term, limit)
	resp, _ := args.Get(0).(*models.SearchResponse)
	return resp, args.Error(1)
}

func (m *Searcher) SearchAll(ctx context.Context, creds models.Credentials, query models.SearchQuery, limit int) ([]models.MailboxResults, error) {
	args := m.Called(ctx, creds, query, limit)
	results, _ := args.Get(0).([]models.MailboxResults)
	return results, args.Error(1)
}

func (m *Searcher) Stats() search.Stats {
	args := m.Called()
	stats, _ := args.Get(0).(search.Stats)
	return stats
}
