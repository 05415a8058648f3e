package api

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/vdavid/mailgate/internal/attachment"
	"github.com/vdavid/mailgate/internal/imap"
	"github.com/vdavid/mailgate/internal/logging"
)

const streamBufferSize = 32 * 1024

// AttachmentsHandler serves attachment listing and downloads.
type AttachmentsHandler struct {
	attachments attachment.Service
	poolStats   func() imap.PoolStats
}

// NewAttachmentsHandler creates a new AttachmentsHandler instance. poolStats
// may be nil.
func NewAttachmentsHandler(attachments attachment.Service, poolStats func() imap.PoolStats) *AttachmentsHandler {
	return &AttachmentsHandler{attachments: attachments, poolStats: poolStats}
}

type attachmentRequest struct {
	credentialFields
	Mailbox string `json:"mailbox"`
	UID     uint32 `json:"uid"`
	PartID  string `json:"partId"`
}

func (req *attachmentRequest) validate(needPart bool) error {
	if req.UID == 0 {
		return invalid("uid is required")
	}
	req.PartID = strings.TrimSpace(req.PartID)
	if needPart && req.PartID == "" {
		return invalid("partId is required")
	}
	req.Mailbox = mailboxOrDefault(req.Mailbox)
	return nil
}

// List returns the attachments of one message.
func (h *AttachmentsHandler) List(w http.ResponseWriter, r *http.Request) {
	var req attachmentRequest
	creds, err := readRequest(w, r, maxRequestBody, &req)
	if err == nil {
		err = req.validate(false)
	}
	if err != nil {
		writeError(w, "AttachmentsHandler", err)
		return
	}

	attachments, err := h.attachments.ListAttachments(r.Context(), creds, req.Mailbox, req.UID)
	if err != nil {
		writeError(w, "AttachmentsHandler", err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Success     bool `json:"success"`
		Attachments any  `json:"attachments"`
	}{true, attachments})
}

// Download sends one attachment as a single buffered response.
func (h *AttachmentsHandler) Download(w http.ResponseWriter, r *http.Request) {
	var req attachmentRequest
	creds, err := readRequest(w, r, maxRequestBody, &req)
	if err == nil {
		err = req.validate(true)
	}
	if err != nil {
		writeError(w, "AttachmentsHandler", err)
		return
	}

	dl, err := h.attachments.Download(r.Context(), creds, req.Mailbox, req.UID, req.PartID)
	if err != nil {
		writeError(w, "AttachmentsHandler", err)
		return
	}

	setAttachmentHeaders(w, dl.Filename, dl.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(dl.Data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(dl.Data); err != nil {
		log.Printf("AttachmentsHandler: failed to write attachment: %v", err)
	}
}

// Stream sends one attachment while it is being fetched. The length is not
// known up front, so no Content-Length is set.
func (h *AttachmentsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	var req attachmentRequest
	creds, err := readRequest(w, r, maxRequestBody, &req)
	if err == nil {
		err = req.validate(true)
	}
	if err != nil {
		writeError(w, "AttachmentsHandler", err)
		return
	}

	stream, err := h.attachments.DownloadStream(r.Context(), creds, req.Mailbox, req.UID, req.PartID)
	if err != nil {
		writeError(w, "AttachmentsHandler", err)
		return
	}
	defer func() {
		if err := stream.Body.Close(); err != nil {
			log.Printf("AttachmentsHandler: failed to close stream: %v", err)
		}
	}()

	setAttachmentHeaders(w, stream.Filename, stream.ContentType)
	w.WriteHeader(http.StatusOK)

	written, err := copyFlushing(w, stream.Body)
	if err != nil {
		// Headers are gone; the client sees a truncated body.
		log.WithField("account", logging.Account(creds.Email)).
			Warnf("AttachmentsHandler: stream of part %s aborted after %d bytes: %v", req.PartID, written, err)
	}
}

// Stats reports pool and attachment counters.
func (h *AttachmentsHandler) Stats(w http.ResponseWriter, _ *http.Request) {
	resp := struct {
		Success     bool             `json:"success"`
		Pool        *imap.PoolStats  `json:"pool,omitempty"`
		Attachments attachment.Stats `json:"attachments"`
	}{Success: true, Attachments: h.attachments.Stats()}
	if h.poolStats != nil {
		stats := h.poolStats()
		resp.Pool = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

func setAttachmentHeaders(w http.ResponseWriter, filename, contentType string) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "private, no-store")
}

// copyFlushing copies src to w and flushes after every chunk, so the client
// receives data as the server fetches it.
func copyFlushing(w http.ResponseWriter, src io.Reader) (int64, error) {
	rc := http.NewResponseController(w)
	buf := make([]byte, streamBufferSize)
	var written int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			m, err := w.Write(buf[:n])
			written += int64(m)
			if err != nil {
				return written, err
			}
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return written, err
			}
		}
		if errors.Is(readErr, io.EOF) {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
