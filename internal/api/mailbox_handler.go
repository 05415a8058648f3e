package api

import (
	"net/http"
	"sort"
	"strings"

	"github.com/vdavid/mailgate/internal/imap"
	"github.com/vdavid/mailgate/internal/models"
)

// MailboxHandler handles mailbox listing, message reads and message mutations.
type MailboxHandler struct {
	mail imap.MailService
}

// NewMailboxHandler creates a new MailboxHandler instance.
func NewMailboxHandler(mail imap.MailService) *MailboxHandler {
	return &MailboxHandler{mail: mail}
}

type messagesRequest struct {
	credentialFields
	Mailbox string `json:"mailbox"`
	Page    int    `json:"page"`
	Limit   int    `json:"limit"`
}

type messageRequest struct {
	credentialFields
	Mailbox string `json:"mailbox"`
	UID     uint32 `json:"uid"`
}

// mutationRequest covers read, flag, move and delete. Read and Flagged
// default to true when omitted.
type mutationRequest struct {
	credentialFields
	Mailbox string   `json:"mailbox"`
	UIDs    []uint32 `json:"uids"`
	Read    *bool    `json:"read,omitempty"`
	Flagged *bool    `json:"flagged,omitempty"`
	Target  string   `json:"target,omitempty"`
}

type okResponse struct {
	Success bool `json:"success"`
}

// Mailboxes lists the account's mailboxes, special-use ones first.
func (h *MailboxHandler) Mailboxes(w http.ResponseWriter, r *http.Request) {
	var req struct{ credentialFields }
	creds, err := readRequest(w, r, maxRequestBody, &req)
	if err != nil {
		writeError(w, "MailboxHandler", err)
		return
	}

	mailboxes, err := h.mail.ListMailboxes(r.Context(), creds)
	if err != nil {
		writeError(w, "MailboxHandler", err)
		return
	}
	sortMailboxesByRole(mailboxes)
	if mailboxes == nil {
		mailboxes = []models.MailboxSummary{}
	}

	writeJSON(w, http.StatusOK, struct {
		Success   bool                    `json:"success"`
		Mailboxes []models.MailboxSummary `json:"mailboxes"`
	}{true, mailboxes})
}

// Messages returns one page of message headers, newest first.
func (h *MailboxHandler) Messages(w http.ResponseWriter, r *http.Request) {
	var req messagesRequest
	creds, err := readRequest(w, r, maxRequestBody, &req)
	if err == nil && (req.Page < 0 || req.Limit < 0) {
		err = invalid("page and limit must not be negative")
	}
	if err != nil {
		writeError(w, "MailboxHandler", err)
		return
	}

	page, err := h.mail.ListMessages(r.Context(), creds, mailboxOrDefault(req.Mailbox), req.Page, req.Limit)
	if err != nil {
		writeError(w, "MailboxHandler", err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
		*models.MessagePage
	}{true, page})
}

// Message returns one parsed message. Reading it does not mark it read.
func (h *MailboxHandler) Message(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	creds, err := readRequest(w, r, maxRequestBody, &req)
	if err == nil && req.UID == 0 {
		err = invalid("uid is required")
	}
	if err != nil {
		writeError(w, "MailboxHandler", err)
		return
	}

	msg, err := h.mail.GetMessage(r.Context(), creds, mailboxOrDefault(req.Mailbox), req.UID)
	if err != nil {
		writeError(w, "MailboxHandler", err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Success bool            `json:"success"`
		Message *models.Message `json:"message"`
	}{true, msg})
}

// MarkRead sets or clears \Seen.
func (h *MailboxHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	req, creds, ok := h.readMutation(w, r)
	if !ok {
		return
	}
	read := req.Read == nil || *req.Read
	h.finish(w, h.mail.MarkRead(r.Context(), creds, req.Mailbox, req.UIDs, read))
}

// MarkFlagged sets or clears \Flagged.
func (h *MailboxHandler) MarkFlagged(w http.ResponseWriter, r *http.Request) {
	req, creds, ok := h.readMutation(w, r)
	if !ok {
		return
	}
	flagged := req.Flagged == nil || *req.Flagged
	h.finish(w, h.mail.MarkFlagged(r.Context(), creds, req.Mailbox, req.UIDs, flagged))
}

// Move moves messages to the target mailbox.
func (h *MailboxHandler) Move(w http.ResponseWriter, r *http.Request) {
	req, creds, ok := h.readMutation(w, r)
	if !ok {
		return
	}
	target := strings.TrimSpace(req.Target)
	if target == "" {
		writeError(w, "MailboxHandler", invalid("target is required"))
		return
	}
	if target == req.Mailbox {
		writeError(w, "MailboxHandler", invalid("target must differ from mailbox"))
		return
	}
	h.finish(w, h.mail.Move(r.Context(), creds, req.Mailbox, req.UIDs, target))
}

// Delete moves messages to the trash, or removes them for good when they are
// already there.
func (h *MailboxHandler) Delete(w http.ResponseWriter, r *http.Request) {
	req, creds, ok := h.readMutation(w, r)
	if !ok {
		return
	}
	h.finish(w, h.mail.Delete(r.Context(), creds, req.Mailbox, req.UIDs))
}

func (h *MailboxHandler) readMutation(w http.ResponseWriter, r *http.Request) (*mutationRequest, models.Credentials, bool) {
	var req mutationRequest
	creds, err := readRequest(w, r, maxRequestBody, &req)
	if err == nil {
		err = validateUIDs(req.UIDs)
	}
	if err != nil {
		writeError(w, "MailboxHandler", err)
		return nil, models.Credentials{}, false
	}
	req.Mailbox = mailboxOrDefault(req.Mailbox)
	return &req, creds, true
}

func (h *MailboxHandler) finish(w http.ResponseWriter, err error) {
	if err != nil {
		writeError(w, "MailboxHandler", err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{Success: true})
}

// sortMailboxesByRole sorts mailboxes by special use, then alphabetically.
// Priority order: inbox, sent, drafts, junk, trash, archive, everything else.
func sortMailboxesByRole(mailboxes []models.MailboxSummary) {
	rolePriority := map[string]int{
		"\\Inbox":   1,
		"\\Sent":    2,
		"\\Drafts":  3,
		"\\Junk":    4,
		"\\Trash":   5,
		"\\Archive": 6,
	}
	priority := func(m models.MailboxSummary) int {
		if p, ok := rolePriority[m.SpecialUse]; ok {
			return p
		}
		return len(rolePriority) + 1
	}

	sort.SliceStable(mailboxes, func(i, j int) bool {
		pi, pj := priority(mailboxes[i]), priority(mailboxes[j])
		if pi != pj {
			return pi < pj
		}
		return mailboxes[i].Name < mailboxes[j].Name
	})
}
