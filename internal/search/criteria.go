package search

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/vdavid/mailgate/internal/models"
)

// ErrInvalidQuery marks a query rejected before any IMAP work.
var ErrInvalidQuery = errors.New("invalid search query")

const maxFieldLength = 256

// Validate checks the shape of a query.
func Validate(q models.SearchQuery) error {
	fields := map[string]string{
		"text":    q.Text,
		"from":    q.From,
		"to":      q.To,
		"subject": q.Subject,
		"body":    q.Body,
	}
	for name, value := range fields {
		if len(value) > maxFieldLength {
			return fmt.Errorf("%w: %s is longer than %d characters", ErrInvalidQuery, name, maxFieldLength)
		}
		if strings.ContainsAny(value, "\r\n") {
			return fmt.Errorf("%w: %s contains a line break", ErrInvalidQuery, name)
		}
	}
	if q.Since != nil && q.Before != nil && q.Since.After(*q.Before) {
		return fmt.Errorf("%w: since is after before", ErrInvalidQuery)
	}
	return nil
}

// Normalize trims text fields. IMAP SEARCH is case-insensitive, so they are
// also lower-cased to share cache entries between spellings.
func Normalize(q models.SearchQuery) models.SearchQuery {
	norm := func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
	q.Text = norm(q.Text)
	q.From = norm(q.From)
	q.To = norm(q.To)
	q.Subject = norm(q.Subject)
	q.Body = norm(q.Body)
	return q
}

// BuildCriteria translates a query into IMAP SEARCH criteria. All fields are
// ANDed; an empty query matches every message. HasAttachment has no IMAP
// equivalent and is applied to fetched body structures instead.
func BuildCriteria(q models.SearchQuery) *imap.SearchCriteria {
	criteria := imap.NewSearchCriteria()

	if q.Text != "" {
		criteria.Text = append(criteria.Text, q.Text)
	}
	if q.Body != "" {
		criteria.Body = append(criteria.Body, q.Body)
	}
	if q.From != "" {
		criteria.Header.Add("From", q.From)
	}
	if q.To != "" {
		criteria.Header.Add("To", q.To)
	}
	if q.Subject != "" {
		criteria.Header.Add("Subject", q.Subject)
	}
	if q.Since != nil {
		criteria.Since = *q.Since
	}
	if q.Before != nil {
		criteria.Before = *q.Before
	}
	if q.Unread != nil {
		if *q.Unread {
			criteria.WithoutFlags = append(criteria.WithoutFlags, imap.SeenFlag)
		} else {
			criteria.WithFlags = append(criteria.WithFlags, imap.SeenFlag)
		}
	}
	if q.Flagged != nil {
		if *q.Flagged {
			criteria.WithFlags = append(criteria.WithFlags, imap.FlaggedFlag)
		} else {
			criteria.WithoutFlags = append(criteria.WithoutFlags, imap.FlaggedFlag)
		}
	}

	return criteria
}

// cacheID derives a stable key from a normalized query.
func cacheID(q models.SearchQuery) string {
	data, _ := json.Marshal(q)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16])
}
