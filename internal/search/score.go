package search

import (
	"sort"
	"strings"
	"time"

	"github.com/vdavid/mailgate/internal/models"
)

const (
	subjectTextScore   = 10
	addressTextScore   = 5
	bodyTextScore      = 1
	subjectFilterScore = 15
	fromFilterScore    = 12
	toFilterScore      = 6
)

// recencyBonus adds to the score of recent messages.
func recencyBonus(date, now time.Time) float64 {
	age := now.Sub(date)
	switch {
	case age < 24*time.Hour:
		return 5
	case age < 7*24*time.Hour:
		return 3
	case age < 30*24*time.Hour:
		return 1
	default:
		return 0
	}
}

// Score rates how well a header matches the query. A free-text match in the
// subject beats one in an address; an explicit subject or from filter beats
// both. A free-text match seen nowhere in the header must have come from the
// body.
func Score(h models.MessageHeader, q models.SearchQuery, now time.Time) (float64, []string) {
	var score float64
	matched := make([]string, 0, 3)
	add := func(field string, points float64) {
		score += points
		for _, m := range matched {
			if m == field {
				return
			}
		}
		matched = append(matched, field)
	}

	subject := strings.ToLower(h.Subject)
	from := strings.ToLower(h.From)
	to := strings.ToLower(strings.Join(append(append([]string{}, h.To...), h.Cc...), ", "))

	if text := strings.ToLower(q.Text); text != "" {
		hit := false
		if strings.Contains(subject, text) {
			add("subject", subjectTextScore)
			hit = true
		}
		if strings.Contains(from, text) {
			add("from", addressTextScore)
			hit = true
		}
		if strings.Contains(to, text) {
			add("to", addressTextScore)
			hit = true
		}
		if !hit {
			add("body", bodyTextScore)
		}
	}

	if q.Subject != "" && strings.Contains(subject, strings.ToLower(q.Subject)) {
		add("subject", subjectFilterScore)
	}
	if q.From != "" && strings.Contains(from, strings.ToLower(q.From)) {
		add("from", fromFilterScore)
	}
	if q.To != "" && strings.Contains(to, strings.ToLower(q.To)) {
		add("to", toFilterScore)
	}
	if q.Body != "" {
		add("body", bodyTextScore)
	}

	score += recencyBonus(h.Date, now)
	return score, matched
}

// Rank sorts results by descending score, then newest first.
func Rank(results []models.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Date.Equal(b.Date) {
			return a.Date.After(b.Date)
		}
		return a.UID > b.UID
	})
}
