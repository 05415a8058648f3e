package api

import (
	"net/http"

	"github.com/vdavid/mailgate/internal/smtp"
)

// SendHandler handles outgoing mail.
type SendHandler struct {
	sender  smtp.MailSender
	maxBody int64
}

// NewSendHandler creates a new SendHandler instance. maxBody bounds the JSON
// request, attachments included.
func NewSendHandler(sender smtp.MailSender, maxBody int64) *SendHandler {
	if maxBody < maxRequestBody {
		maxBody = maxRequestBody
	}
	return &SendHandler{sender: sender, maxBody: maxBody}
}

type sendRequest struct {
	credentialFields
	smtp.SendRequest
}

// Send submits a message and files a copy in the sent folder.
func (h *SendHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	creds, err := readRequest(w, r, h.maxBody, &req)
	if err == nil && len(req.To)+len(req.Cc)+len(req.Bcc) == 0 {
		err = invalid("at least one recipient is required")
	}
	if err != nil {
		writeError(w, "SendHandler", err)
		return
	}

	result, err := h.sender.Send(r.Context(), creds, req.SendRequest)
	if err != nil {
		writeError(w, "SendHandler", err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
		*smtp.SendResult
	}{true, result})
}
