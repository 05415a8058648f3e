package api

import (
	"net/http"
	"strings"

	"github.com/vdavid/mailgate/internal/models"
	"github.com/vdavid/mailgate/internal/search"
)

// SearchHandler handles search-related API requests.
type SearchHandler struct {
	engine search.Searcher
}

// NewSearchHandler creates a new SearchHandler instance.
func NewSearchHandler(engine search.Searcher) *SearchHandler {
	return &SearchHandler{engine: engine}
}

type searchRequest struct {
	credentialFields
	Mailbox string             `json:"mailbox"`
	Query   models.SearchQuery `json:"query"`
	Limit   int                `json:"limit"`
	Offset  int                `json:"offset"`
}

type quickSearchRequest struct {
	credentialFields
	Mailbox string `json:"mailbox"`
	Term    string `json:"term"`
	Limit   int    `json:"limit"`
}

type searchResponse struct {
	Success bool                  `json:"success"`
	Results []models.SearchResult `json:"results"`
	Total   int                   `json:"total"`
	// SearchTime is in milliseconds.
	SearchTime int64 `json:"searchTime"`
	Cached     bool  `json:"cached"`
}

func newSearchResponse(resp *models.SearchResponse) searchResponse {
	results := resp.Results
	if results == nil {
		results = []models.SearchResult{}
	}
	return searchResponse{
		Success:    true,
		Results:    results,
		Total:      resp.Total,
		SearchTime: resp.SearchTime.Milliseconds(),
		Cached:     resp.FromCache,
	}
}

// checkLimit rejects limits outside 0..maxLimit. Zero selects the default.
func checkLimit(limit, maxLimit int) error {
	if limit < 0 {
		return invalid("limit must not be negative")
	}
	if limit > maxLimit {
		return invalid("limit must be at most %d", maxLimit)
	}
	return nil
}

// Search runs a structured search in one mailbox.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	creds, err := readRequest(w, r, maxRequestBody, &req)
	if err == nil {
		err = checkLimit(req.Limit, search.MaxLimit)
	}
	if err == nil && req.Offset < 0 {
		err = invalid("offset must not be negative")
	}
	if err == nil {
		err = search.Validate(req.Query)
	}
	if err != nil {
		writeError(w, "SearchHandler", err)
		return
	}

	resp, err := h.engine.Search(r.Context(), creds, mailboxOrDefault(req.Mailbox), req.Query, req.Limit, req.Offset)
	if err != nil {
		writeError(w, "SearchHandler", err)
		return
	}
	writeJSON(w, http.StatusOK, newSearchResponse(resp))
}

// Quick runs a free-text search.
func (h *SearchHandler) Quick(w http.ResponseWriter, r *http.Request) {
	var req quickSearchRequest
	creds, err := readRequest(w, r, maxRequestBody, &req)
	if err == nil && strings.TrimSpace(req.Term) == "" {
		err = invalid("term is required")
	}
	if err == nil {
		err = checkLimit(req.Limit, search.MaxQuickLimit)
	}
	if err == nil {
		err = search.Validate(models.SearchQuery{Text: req.Term})
	}
	if err != nil {
		writeError(w, "SearchHandler", err)
		return
	}

	resp, err := h.engine.QuickSearch(r.Context(), creds, mailboxOrDefault(req.Mailbox), req.Term, req.Limit)
	if err != nil {
		writeError(w, "SearchHandler", err)
		return
	}
	writeJSON(w, http.StatusOK, newSearchResponse(resp))
}

// All searches every selectable mailbox.
func (h *SearchHandler) All(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	creds, err := readRequest(w, r, maxRequestBody, &req)
	if err == nil {
		err = checkLimit(req.Limit, search.MaxLimit)
	}
	if err == nil {
		err = search.Validate(req.Query)
	}
	if err != nil {
		writeError(w, "SearchHandler", err)
		return
	}

	results, err := h.engine.SearchAll(r.Context(), creds, req.Query, req.Limit)
	if err != nil {
		writeError(w, "SearchHandler", err)
		return
	}

	total := 0
	for _, mr := range results {
		total += len(mr.Results)
	}
	if results == nil {
		results = []models.MailboxResults{}
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool                    `json:"success"`
		Results []models.MailboxResults `json:"results"`
		Total   int                     `json:"total"`
	}{true, results, total})
}
