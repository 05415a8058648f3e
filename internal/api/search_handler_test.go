package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailgate/internal/imap"
	"github.com/vdavid/mailgate/internal/models"
	"github.com/vdavid/mailgate/internal/testutil/mocks"
)

func TestSearchHandler_Search(t *testing.T) {
	t.Run("returns the engine page", func(t *testing.T) {
		engine := mocks.NewSearcher(t)
		engine.On("Search", mock.Anything, testCreds, "Archive", models.SearchQuery{Text: "invoice", From: "billing"}, 10, 20).
			Return(&models.SearchResponse{
				Results: []models.SearchResult{{
					MessageHeader: models.MessageHeader{UID: 42, Subject: "Invoice March"},
					Score:         20,
					MatchedFields: []string{"subject", "from"},
				}},
				Total:      31,
				FromCache:  true,
				SearchTime: 35 * time.Millisecond,
			}, nil).Once()
		handler := NewSearchHandler(engine)

		rr := httptest.NewRecorder()
		handler.Search(rr, jsonRequest(t, "/api/search", withCreds(map[string]any{
			"mailbox": "Archive",
			"query":   map[string]any{"text": "invoice", "from": "billing"},
			"limit":   10,
			"offset":  20,
		})))

		require.Equal(t, http.StatusOK, rr.Code)
		body := decodeResponse(t, rr)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, float64(31), body["total"])
		assert.Equal(t, float64(35), body["searchTime"])
		assert.Equal(t, true, body["cached"])
		results := body["results"].([]any)
		require.Len(t, results, 1)
		first := results[0].(map[string]any)
		assert.Equal(t, float64(42), first["uid"])
		assert.Equal(t, []any{"subject", "from"}, first["matchedFields"])
	})

	t.Run("mailbox defaults to INBOX", func(t *testing.T) {
		engine := mocks.NewSearcher(t)
		engine.On("Search", mock.Anything, testCreds, "INBOX", models.SearchQuery{}, 0, 0).
			Return(&models.SearchResponse{}, nil).Once()
		handler := NewSearchHandler(engine)

		rr := httptest.NewRecorder()
		handler.Search(rr, jsonRequest(t, "/api/search", withCreds(map[string]any{})))

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, []any{}, decodeResponse(t, rr)["results"])
	})

	invalidCases := []struct {
		name string
		body map[string]any
		want string
	}{
		{"negative offset", map[string]any{"offset": -1}, "negative"},
		{"negative limit", map[string]any{"limit": -5}, "negative"},
		{"limit above the maximum", map[string]any{"limit": 101}, "at most 100"},
		{"line break in a field", map[string]any{"query": map[string]any{"subject": "a\r\nb"}}, "line break"},
		{"since after before", map[string]any{"query": map[string]any{"since": "2024-05-01T00:00:00Z", "before": "2024-04-01T00:00:00Z"}}, "since"},
		{"overlong field", map[string]any{"query": map[string]any{"text": strings.Repeat("x", 300)}}, "longer"},
	}
	for _, tc := range invalidCases {
		t.Run(tc.name, func(t *testing.T) {
			handler := NewSearchHandler(mocks.NewSearcher(t))
			rr := httptest.NewRecorder()
			handler.Search(rr, jsonRequest(t, "/api/search", withCreds(tc.body)))
			body := assertFailure(t, rr, http.StatusBadRequest)
			assert.Contains(t, body["error"], tc.want)
		})
	}

	t.Run("malformed JSON", func(t *testing.T) {
		handler := NewSearchHandler(mocks.NewSearcher(t))
		rr := httptest.NewRecorder()
		handler.Search(rr, jsonRequest(t, "/api/search", `{"query":`))
		assertFailure(t, rr, http.StatusBadRequest)
	})

	t.Run("missing credentials", func(t *testing.T) {
		VerifyCredentialsCheck(t, NewSearchHandler(mocks.NewSearcher(t)).Search, "/api/search")
	})

	t.Run("pool exhausted", func(t *testing.T) {
		engine := mocks.NewSearcher(t)
		engine.On("Search", mock.Anything, testCreds, "INBOX", mock.Anything, 0, 0).Return(nil, imap.ErrPoolExhausted).Once()
		handler := NewSearchHandler(engine)

		rr := httptest.NewRecorder()
		handler.Search(rr, jsonRequest(t, "/api/search", withCreds(map[string]any{"query": map[string]any{"text": "x"}})))
		assertFailure(t, rr, http.StatusServiceUnavailable)
	})
}

func TestSearchHandler_Quick(t *testing.T) {
	t.Run("passes the term through", func(t *testing.T) {
		engine := mocks.NewSearcher(t)
		engine.On("QuickSearch", mock.Anything, testCreds, "INBOX", "lunch", 5).
			Return(&models.SearchResponse{Results: []models.SearchResult{{MessageHeader: models.MessageHeader{UID: 1}}}, Total: 1}, nil).Once()
		handler := NewSearchHandler(engine)

		rr := httptest.NewRecorder()
		handler.Quick(rr, jsonRequest(t, "/api/search/quick", withCreds(map[string]any{"term": "lunch", "limit": 5})))

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, float64(1), decodeResponse(t, rr)["total"])
	})

	t.Run("empty term", func(t *testing.T) {
		handler := NewSearchHandler(mocks.NewSearcher(t))
		rr := httptest.NewRecorder()
		handler.Quick(rr, jsonRequest(t, "/api/search/quick", withCreds(map[string]any{"term": "   "})))
		body := assertFailure(t, rr, http.StatusBadRequest)
		assert.Contains(t, body["error"], "term")
	})

	t.Run("limit above the maximum", func(t *testing.T) {
		handler := NewSearchHandler(mocks.NewSearcher(t))
		rr := httptest.NewRecorder()
		handler.Quick(rr, jsonRequest(t, "/api/search/quick", withCreds(map[string]any{"term": "lunch", "limit": 51})))
		body := assertFailure(t, rr, http.StatusBadRequest)
		assert.Contains(t, body["error"], "at most 50")
	})
}

func TestSearchHandler_All(t *testing.T) {
	t.Run("groups results by mailbox", func(t *testing.T) {
		engine := mocks.NewSearcher(t)
		engine.On("SearchAll", mock.Anything, testCreds, models.SearchQuery{Subject: "report"}, 40).
			Return([]models.MailboxResults{
				{Mailbox: "INBOX", Results: []models.SearchResult{{MessageHeader: models.MessageHeader{UID: 1}}, {MessageHeader: models.MessageHeader{UID: 2}}}},
				{Mailbox: "Archive", Results: []models.SearchResult{{MessageHeader: models.MessageHeader{UID: 9}}}},
			}, nil).Once()
		handler := NewSearchHandler(engine)

		rr := httptest.NewRecorder()
		handler.All(rr, jsonRequest(t, "/api/search/all", withCreds(map[string]any{
			"query": map[string]any{"subject": "report"},
			"limit": 40,
		})))

		require.Equal(t, http.StatusOK, rr.Code)
		body := decodeResponse(t, rr)
		assert.Equal(t, float64(3), body["total"])
		groups := body["results"].([]any)
		require.Len(t, groups, 2)
		assert.Equal(t, "INBOX", groups[0].(map[string]any)["mailbox"])
		assert.Equal(t, "Archive", groups[1].(map[string]any)["mailbox"])
	})

	t.Run("no hits", func(t *testing.T) {
		engine := mocks.NewSearcher(t)
		engine.On("SearchAll", mock.Anything, testCreds, mock.Anything, 0).Return(nil, nil).Once()
		handler := NewSearchHandler(engine)

		rr := httptest.NewRecorder()
		handler.All(rr, jsonRequest(t, "/api/search/all", withCreds(map[string]any{"query": map[string]any{"text": "nothing"}})))

		require.Equal(t, http.StatusOK, rr.Code)
		body := decodeResponse(t, rr)
		assert.Equal(t, []any{}, body["results"])
		assert.Equal(t, float64(0), body["total"])
	})

	t.Run("limit above the maximum", func(t *testing.T) {
		handler := NewSearchHandler(mocks.NewSearcher(t))
		rr := httptest.NewRecorder()
		handler.All(rr, jsonRequest(t, "/api/search/all", withCreds(map[string]any{"limit": 500})))
		assertFailure(t, rr, http.StatusBadRequest)
	})

	t.Run("bad credentials", func(t *testing.T) {
		engine := mocks.NewSearcher(t)
		engine.On("SearchAll", mock.Anything, testCreds, mock.Anything, 0).Return(nil, imap.ErrAuthFailed).Once()
		handler := NewSearchHandler(engine)

		rr := httptest.NewRecorder()
		handler.All(rr, jsonRequest(t, "/api/search/all", withCreds(map[string]any{})))
		assertFailure(t, rr, http.StatusUnauthorized)
	})
}
