package search

import (
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailgate/internal/models"
)

func TestValidate(t *testing.T) {
	since := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	before := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		query   models.SearchQuery
		wantErr bool
	}{
		{"empty query matches all", models.SearchQuery{}, false},
		{"plain text", models.SearchQuery{Text: "invoice"}, false},
		{"since after before", models.SearchQuery{Since: &since, Before: &before}, true},
		{"overlong subject", models.SearchQuery{Subject: string(make([]byte, maxFieldLength+1))}, true},
		{"line break", models.SearchQuery{From: "a\r\nb"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.query)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidQuery)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBuildCriteria(t *testing.T) {
	yes, no := true, false
	since := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	criteria := BuildCriteria(models.SearchQuery{
		Text:    "report",
		From:    "ann",
		Subject: "q3",
		Body:    "numbers",
		Since:   &since,
		Unread:  &yes,
		Flagged: &no,
	})

	assert.Equal(t, []string{"report"}, criteria.Text)
	assert.Equal(t, []string{"numbers"}, criteria.Body)
	assert.Equal(t, "ann", criteria.Header.Get("From"))
	assert.Equal(t, "q3", criteria.Header.Get("Subject"))
	assert.Empty(t, criteria.Header.Get("To"))
	assert.Equal(t, since, criteria.Since)
	assert.True(t, criteria.Before.IsZero())
	assert.Equal(t, []string{imap.SeenFlag, imap.FlaggedFlag}, criteria.WithoutFlags)
	assert.Empty(t, criteria.WithFlags)

	empty := BuildCriteria(models.SearchQuery{})
	assert.Empty(t, empty.Text)
	assert.Empty(t, empty.Header)
}

func TestNormalizeSharesCacheKeys(t *testing.T) {
	a := Normalize(models.SearchQuery{Text: "  Invoice "})
	b := Normalize(models.SearchQuery{Text: "invoice"})
	assert.Equal(t, cacheID(a), cacheID(b))
	assert.NotEqual(t, cacheID(a), cacheID(Normalize(models.SearchQuery{Subject: "invoice"})))
}

func TestScore(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	old := now.AddDate(0, -3, 0)

	t.Run("subject beats address", func(t *testing.T) {
		q := models.SearchQuery{Text: "invoice"}
		subject, fields := Score(models.MessageHeader{Subject: "Your Invoice", Date: old}, q, now)
		assert.Equal(t, float64(subjectTextScore), subject)
		assert.Equal(t, []string{"subject"}, fields)

		address, fields := Score(models.MessageHeader{From: "invoices@shop.example", Date: old}, q, now)
		assert.Equal(t, float64(addressTextScore), address)
		assert.Equal(t, []string{"from"}, fields)

		body, fields := Score(models.MessageHeader{Subject: "Hello", Date: old}, q, now)
		assert.Equal(t, float64(bodyTextScore), body)
		assert.Equal(t, []string{"body"}, fields)
	})

	t.Run("filters beat free text", func(t *testing.T) {
		header := models.MessageHeader{Subject: "Invoice", From: "billing@shop.example", To: []string{"ann@example.com"}, Date: old}

		subject, _ := Score(header, models.SearchQuery{Subject: "invoice"}, now)
		from, _ := Score(header, models.SearchQuery{From: "billing"}, now)
		to, _ := Score(header, models.SearchQuery{To: "ann"}, now)
		text, _ := Score(header, models.SearchQuery{Text: "invoice"}, now)

		assert.Equal(t, float64(subjectFilterScore), subject)
		assert.Equal(t, float64(fromFilterScore), from)
		assert.Equal(t, float64(toFilterScore), to)
		assert.Greater(t, subject, text)
		assert.Greater(t, from, text)
	})

	t.Run("matched fields are not repeated", func(t *testing.T) {
		_, fields := Score(models.MessageHeader{Subject: "Invoice", Date: old}, models.SearchQuery{Text: "invoice", Subject: "invoice"}, now)
		assert.Equal(t, []string{"subject"}, fields)
	})

	t.Run("recency tiers", func(t *testing.T) {
		tiers := []struct {
			age  time.Duration
			want float64
		}{
			{time.Hour, 5},
			{3 * 24 * time.Hour, 3},
			{20 * 24 * time.Hour, 1},
			{90 * 24 * time.Hour, 0},
		}
		for _, tier := range tiers {
			score, _ := Score(models.MessageHeader{Date: now.Add(-tier.age)}, models.SearchQuery{}, now)
			assert.Equal(t, tier.want, score, "age %s", tier.age)
		}
	})
}

func TestRank(t *testing.T) {
	day := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	results := []models.SearchResult{
		{MessageHeader: models.MessageHeader{UID: 1, Date: day}, Score: 5},
		{MessageHeader: models.MessageHeader{UID: 2, Date: day.Add(time.Hour)}, Score: 5},
		{MessageHeader: models.MessageHeader{UID: 3, Date: day}, Score: 12},
		{MessageHeader: models.MessageHeader{UID: 4, Date: day}, Score: 5},
	}

	Rank(results)

	uids := make([]uint32, 0, len(results))
	for _, r := range results {
		uids = append(uids, r.UID)
	}
	require.Len(t, uids, 4)
	assert.Equal(t, []uint32{3, 2, 4, 1}, uids)
}
