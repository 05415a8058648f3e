package imap

import (
	"fmt"
	"sort"

	"github.com/emersion/go-imap"
	sortthread "github.com/emersion/go-imap-sortthread"
	"github.com/emersion/go-imap/client"
)

// SearchNewestFirst returns the UIDs matching criteria, newest first. It uses
// SORT (REVERSE DATE) when the server supports it and otherwise falls back to
// SEARCH ordered by descending UID, which follows arrival order.
func SearchNewestFirst(c *client.Client, criteria *imap.SearchCriteria) ([]uint32, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}
	if criteria == nil {
		criteria = imap.NewSearchCriteria()
	}

	sortClient := sortthread.NewSortClient(c)
	if ok, err := sortClient.SupportSort(); err == nil && ok {
		uids, err := sortClient.UidSort([]sortthread.SortCriterion{{Field: sortthread.SortDate, Reverse: true}}, criteria)
		if err != nil {
			return nil, fmt.Errorf("SORT command returned error: %w", err)
		}
		return uids, nil
	}

	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
	return uids, nil
}
