package imap

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/emersion/go-imap"
	uidplus "github.com/emersion/go-imap-uidplus"
	imapclient "github.com/emersion/go-imap/client"
	log "github.com/sirupsen/logrus"
	"github.com/vdavid/mailgate/internal/cache"
	"github.com/vdavid/mailgate/internal/logging"
	"github.com/vdavid/mailgate/internal/models"
	"github.com/vdavid/mailgate/internal/websocket"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

type ServiceConfig struct {
	// TrashFolder is used when no mailbox carries the \Trash attribute.
	TrashFolder string
}

// Service runs mailbox operations on pooled sessions, caching reads and
// invalidating plus announcing every mutation.
type Service struct {
	pool     SessionPool
	cache    *cache.Service
	notifier websocket.Notifier
	cfg      ServiceConfig
}

// NewService creates a new IMAP service. cache and notifier may be nil.
func NewService(pool SessionPool, c *cache.Service, notifier websocket.Notifier, cfg ServiceConfig) *Service {
	if cfg.TrashFolder == "" {
		cfg.TrashFolder = "Trash"
	}
	return &Service{pool: pool, cache: c, notifier: notifier, cfg: cfg}
}

// withSession acquires a session, runs fn and always releases the session.
func (s *Service) withSession(ctx context.Context, creds models.Credentials, fn func(c *imapclient.Client) error) error {
	session, err := s.pool.Acquire(ctx, creds)
	if err != nil {
		return err
	}
	defer session.Release()

	return fn(session.Client())
}

// selectFolder selects a mailbox, read-only for reads.
func selectFolder(c *imapclient.Client, mailbox string, readOnly bool) (*imap.MailboxStatus, error) {
	mbox, err := c.Select(mailbox, readOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to select folder %s: %w", mailbox, err)
	}
	return mbox, nil
}

// ListMailboxes lists the account's mailboxes with message counts.
func (s *Service) ListMailboxes(ctx context.Context, creds models.Credentials) ([]models.MailboxSummary, error) {
	key := cache.Key{Kind: cache.KindMailboxes, Account: creds.AccountID()}

	var cached []models.MailboxSummary
	if s.cache.Get(ctx, key, &cached) {
		if err := s.pool.Verify(ctx, creds); err != nil {
			return nil, err
		}
		return cached, nil
	}

	var summaries []models.MailboxSummary
	err := s.withSession(ctx, creds, func(c *imapclient.Client) error {
		var err error
		summaries, err = ListMailboxSummaries(c)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.cache.Put(ctx, key, summaries)
	return summaries, nil
}

// ListMessages returns one page of message headers, newest first. Pages are
// 1-based.
func (s *Service) ListMessages(ctx context.Context, creds models.Credentials, mailbox string, page, limit int) (*models.MessagePage, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	key := cache.Key{Kind: cache.KindMessages, Account: creds.AccountID(), Scope: mailbox, ID: fmt.Sprintf("%d:%d", page, limit)}
	var cached models.MessagePage
	if s.cache.Get(ctx, key, &cached) {
		if err := s.pool.Verify(ctx, creds); err != nil {
			return nil, err
		}
		return &cached, nil
	}

	result := &models.MessagePage{Mailbox: mailbox, Page: page, Limit: limit, Messages: []models.MessageHeader{}}
	err := s.withSession(ctx, creds, func(c *imapclient.Client) error {
		if _, err := selectFolder(c, mailbox, true); err != nil {
			return err
		}

		uids, err := SearchNewestFirst(c, nil)
		if err != nil {
			return err
		}
		result.Total = len(uids)

		start := (page - 1) * limit
		if start >= len(uids) {
			return nil
		}
		end := min(start+limit, len(uids))
		pageUIDs := uids[start:end]

		messages, err := FetchMessageHeaders(c, pageUIDs)
		if err != nil {
			return fmt.Errorf("failed to fetch message headers: %w", err)
		}

		byUID := make(map[uint32]*imap.Message, len(messages))
		for _, msg := range messages {
			byUID[msg.Uid] = msg
		}
		for _, uid := range pageUIDs {
			if msg, ok := byUID[uid]; ok {
				result.Messages = append(result.Messages, ParseHeader(msg, mailbox))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.cache.Put(ctx, key, result)
	return result, nil
}

// GetMessage fetches and parses one full message without marking it read.
func (s *Service) GetMessage(ctx context.Context, creds models.Credentials, mailbox string, uid uint32) (*models.Message, error) {
	key := cache.Key{Kind: cache.KindMessage, Account: creds.AccountID(), Scope: mailbox, ID: strconv.FormatUint(uint64(uid), 10)}
	var cached models.Message
	if s.cache.Get(ctx, key, &cached) {
		if err := s.pool.Verify(ctx, creds); err != nil {
			return nil, err
		}
		return &cached, nil
	}

	var msg *models.Message
	err := s.withSession(ctx, creds, func(c *imapclient.Client) error {
		if _, err := selectFolder(c, mailbox, true); err != nil {
			return err
		}

		imapMsg, body, err := FetchFullMessage(c, uid)
		if err != nil {
			return err
		}

		msg, err = ParseMessage(imapMsg, body, mailbox)
		if err != nil {
			log.Printf("Warning: failed to parse body of UID %d: %v", uid, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.cache.Put(ctx, key, msg)
	return msg, nil
}

// MarkRead sets or clears \Seen.
func (s *Service) MarkRead(ctx context.Context, creds models.Credentials, mailbox string, uids []uint32, read bool) error {
	action := websocket.ActionRead
	if !read {
		action = websocket.ActionUnread
	}
	return s.storeFlag(ctx, creds, mailbox, uids, imap.SeenFlag, read, action)
}

// MarkFlagged sets or clears \Flagged.
func (s *Service) MarkFlagged(ctx context.Context, creds models.Credentials, mailbox string, uids []uint32, flagged bool) error {
	return s.storeFlag(ctx, creds, mailbox, uids, imap.FlaggedFlag, flagged, websocket.ActionFlagged)
}

func (s *Service) storeFlag(ctx context.Context, creds models.Credentials, mailbox string, uids []uint32, flag string, set bool, action string) error {
	if len(uids) == 0 {
		return fmt.Errorf("no message UIDs given")
	}

	err := s.withSession(ctx, creds, func(c *imapclient.Client) error {
		if _, err := selectFolder(c, mailbox, false); err != nil {
			return err
		}

		op := imap.FlagsOp(imap.AddFlags)
		if !set {
			op = imap.RemoveFlags
		}
		if err := c.UidStore(uidSet(uids), imap.FormatFlagsOp(op, true), []interface{}{flag}, nil); err != nil {
			return fmt.Errorf("failed to store flags: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.changed(ctx, creds, mailbox, websocket.MailboxUpdatePayload{Mailbox: mailbox, Action: action, UIDs: uids})
	return nil
}

// Move moves messages to target.
func (s *Service) Move(ctx context.Context, creds models.Credentials, mailbox string, uids []uint32, target string) error {
	if len(uids) == 0 {
		return fmt.Errorf("no message UIDs given")
	}
	if target == "" || target == mailbox {
		return fmt.Errorf("invalid target mailbox %q", target)
	}

	err := s.withSession(ctx, creds, func(c *imapclient.Client) error {
		if _, err := selectFolder(c, mailbox, false); err != nil {
			return err
		}
		return moveMessages(c, uids, target)
	})
	if err != nil {
		return err
	}

	s.changed(ctx, creds, mailbox, websocket.MailboxUpdatePayload{Mailbox: mailbox, Action: websocket.ActionMoved, UIDs: uids, Target: target})
	s.changed(ctx, creds, target, websocket.MailboxUpdatePayload{Mailbox: target, Action: websocket.ActionAppend})
	return nil
}

// Delete moves messages to the trash folder. Messages already in the trash,
// or of accounts without one, are expunged.
func (s *Service) Delete(ctx context.Context, creds models.Credentials, mailbox string, uids []uint32) error {
	if len(uids) == 0 {
		return fmt.Errorf("no message UIDs given")
	}

	var trash string
	err := s.withSession(ctx, creds, func(c *imapclient.Client) error {
		name, ok, err := FindSpecialUse(c, imap.TrashAttr, s.cfg.TrashFolder)
		if err != nil {
			return err
		}
		if _, err := selectFolder(c, mailbox, false); err != nil {
			return err
		}

		if ok && !strings.EqualFold(name, mailbox) {
			trash = name
			return moveMessages(c, uids, trash)
		}

		if err := c.UidStore(uidSet(uids), imap.FormatFlagsOp(imap.AddFlags, true), []interface{}{imap.DeletedFlag}, nil); err != nil {
			return fmt.Errorf("failed to mark messages deleted: %w", err)
		}
		return expungeUIDs(c, uids)
	})
	if err != nil {
		return err
	}

	s.changed(ctx, creds, mailbox, websocket.MailboxUpdatePayload{Mailbox: mailbox, Action: websocket.ActionDeleted, UIDs: uids, Target: trash})
	if trash != "" {
		s.changed(ctx, creds, trash, websocket.MailboxUpdatePayload{Mailbox: trash, Action: websocket.ActionAppend})
	}
	return nil
}

// Logout closes the account's sessions and drops its cache entries.
func (s *Service) Logout(ctx context.Context, creds models.Credentials) {
	account := creds.AccountID()
	s.pool.RemoveAccount(account)
	s.cache.InvalidateAll(ctx, account)
	log.WithField("account", logging.Account(account)).Info("IMAP: account logged out")
}

// changed invalidates the mailbox scope and announces the update.
func (s *Service) changed(ctx context.Context, creds models.Credentials, mailbox string, update websocket.MailboxUpdatePayload) {
	s.cache.Invalidate(ctx, creds.AccountID(), mailbox)
	if s.notifier != nil {
		s.notifier.Notify(creds.AccountID(), mailbox, websocket.MailboxUpdate(update))
	}
}

// moveMessages uses MOVE and falls back to COPY, STORE and EXPUNGE when the
// server lacks or rejects it. Some servers advertise MOVE without supporting
// it for every mailbox; a rejected MOVE has moved nothing.
func moveMessages(c *imapclient.Client, uids []uint32, target string) error {
	seqSet := uidSet(uids)
	if ok, err := c.Support("MOVE"); err != nil {
		return fmt.Errorf("failed to read capabilities: %w", err)
	} else if ok {
		err := c.UidMove(seqSet, target)
		if err == nil {
			return nil
		}
		if c.State() != imap.SelectedState {
			return fmt.Errorf("failed to move messages: %w", err)
		}
		log.Debugf("IMAP: MOVE rejected (%v), falling back to COPY", err)
	}

	if err := c.UidCopy(seqSet, target); err != nil {
		return fmt.Errorf("failed to copy messages to %s: %w", target, err)
	}
	if err := c.UidStore(seqSet, imap.FormatFlagsOp(imap.AddFlags, true), []interface{}{imap.DeletedFlag}, nil); err != nil {
		return fmt.Errorf("failed to mark moved messages deleted: %w", err)
	}
	return expungeUIDs(c, uids)
}

// expungeUIDs permanently removes the given messages of the selected mailbox
// and no others. Without UIDPLUS, messages that another client marked
// \Deleted are unmarked around the EXPUNGE and marked again afterwards.
func expungeUIDs(c *imapclient.Client, uids []uint32) error {
	if ok, err := c.Support("UIDPLUS"); err == nil && ok {
		if err := uidplus.NewClient(c).UidExpunge(uidSet(uids), nil); err != nil {
			return fmt.Errorf("failed to expunge: %w", err)
		}
		return nil
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithFlags = []string{imap.DeletedFlag}
	marked, err := c.UidSearch(criteria)
	if err != nil {
		return fmt.Errorf("failed to search deleted messages: %w", err)
	}

	ours := make(map[uint32]struct{}, len(uids))
	for _, uid := range uids {
		ours[uid] = struct{}{}
	}
	var others []uint32
	for _, uid := range marked {
		if _, ok := ours[uid]; !ok {
			others = append(others, uid)
		}
	}

	flags := []interface{}{imap.DeletedFlag}
	if len(others) > 0 {
		if err := c.UidStore(uidSet(others), imap.FormatFlagsOp(imap.RemoveFlags, true), flags, nil); err != nil {
			return fmt.Errorf("failed to protect deleted messages: %w", err)
		}
	}

	expungeErr := c.Expunge(nil)

	if len(others) > 0 {
		if err := c.UidStore(uidSet(others), imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
			log.WithError(err).Warnf("IMAP: failed to restore \\Deleted on %d messages", len(others))
		}
	}
	if expungeErr != nil {
		return fmt.Errorf("failed to expunge: %w", expungeErr)
	}
	return nil
}

func uidSet(uids []uint32) *imap.SeqSet {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)
	return seqSet
}
