package api

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailgate/internal/attachment"
	"github.com/vdavid/mailgate/internal/imap"
	"github.com/vdavid/mailgate/internal/models"
	"github.com/vdavid/mailgate/internal/testutil/mocks"
)

type trackingBody struct {
	io.Reader
	closed int
}

func (b *trackingBody) Close() error {
	b.closed++
	return nil
}

func TestAttachmentsHandler_List(t *testing.T) {
	t.Run("returns attachments of the message", func(t *testing.T) {
		svc := mocks.NewAttachments(t)
		svc.On("ListAttachments", mock.Anything, testCreds, "INBOX", uint32(7)).
			Return([]models.AttachmentInfo{{PartID: "2", Filename: "report.pdf", ContentType: "application/pdf", Size: 1024}}, nil).Once()
		handler := NewAttachmentsHandler(svc, nil)

		rr := httptest.NewRecorder()
		handler.List(rr, jsonRequest(t, "/api/attachments/list", withCreds(map[string]any{"uid": 7})))

		require.Equal(t, http.StatusOK, rr.Code)
		body := decodeResponse(t, rr)
		assert.Equal(t, true, body["success"])
		list := body["attachments"].([]any)
		require.Len(t, list, 1)
		assert.Equal(t, "report.pdf", list[0].(map[string]any)["filename"])
		assert.Equal(t, "2", list[0].(map[string]any)["partId"])
	})

	t.Run("missing uid is rejected before any work", func(t *testing.T) {
		handler := NewAttachmentsHandler(mocks.NewAttachments(t), nil)
		rr := httptest.NewRecorder()
		handler.List(rr, jsonRequest(t, "/api/attachments/list", withCreds(map[string]any{"mailbox": "INBOX"})))
		body := assertFailure(t, rr, http.StatusBadRequest)
		assert.Contains(t, body["error"], "uid")
	})

	t.Run("missing credentials", func(t *testing.T) {
		handler := NewAttachmentsHandler(mocks.NewAttachments(t), nil)
		VerifyCredentialsCheck(t, handler.List, "/api/attachments/list")
	})

	t.Run("bearer credentials replace the body", func(t *testing.T) {
		svc := mocks.NewAttachments(t)
		svc.On("ListAttachments", mock.Anything, testCreds, "Archive", uint32(3)).
			Return([]models.AttachmentInfo{}, nil).Once()
		handler := NewAttachmentsHandler(svc, nil)

		req := asBearer(jsonRequest(t, "/api/attachments/list", map[string]any{"mailbox": "Archive", "uid": 3}), testCreds)
		rr := httptest.NewRecorder()
		handler.List(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
	})
}

func TestAttachmentsHandler_Download(t *testing.T) {
	request := func(t *testing.T) *http.Request {
		return jsonRequest(t, "/api/attachments/download", withCreds(map[string]any{"uid": 7, "partId": "2"}))
	}

	t.Run("sends the decoded bytes with download headers", func(t *testing.T) {
		svc := mocks.NewAttachments(t)
		svc.On("Download", mock.Anything, testCreds, "INBOX", uint32(7), "2").
			Return(&attachment.Download{Filename: "report.txt", ContentType: "text/plain", Size: 11, Data: []byte("hello world")}, nil).Once()
		handler := NewAttachmentsHandler(svc, nil)

		rr := httptest.NewRecorder()
		handler.Download(rr, request(t))

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "hello world", rr.Body.String())
		assert.Equal(t, "text/plain", rr.Header().Get("Content-Type"))
		assert.Equal(t, `attachment; filename=report.txt`, rr.Header().Get("Content-Disposition"))
		assert.Equal(t, "11", rr.Header().Get("Content-Length"))
		assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	})

	t.Run("filenames with spaces are quoted", func(t *testing.T) {
		svc := mocks.NewAttachments(t)
		svc.On("Download", mock.Anything, testCreds, "INBOX", uint32(7), "2").
			Return(&attachment.Download{Filename: "q1 report.pdf", Data: []byte("%PDF")}, nil).Once()
		handler := NewAttachmentsHandler(svc, nil)

		rr := httptest.NewRecorder()
		handler.Download(rr, request(t))

		assert.Equal(t, `attachment; filename="q1 report.pdf"`, rr.Header().Get("Content-Disposition"))
		assert.Equal(t, "application/octet-stream", rr.Header().Get("Content-Type"))
	})

	t.Run("missing part id", func(t *testing.T) {
		handler := NewAttachmentsHandler(mocks.NewAttachments(t), nil)
		rr := httptest.NewRecorder()
		handler.Download(rr, jsonRequest(t, "/api/attachments/download", withCreds(map[string]any{"uid": 7})))
		body := assertFailure(t, rr, http.StatusBadRequest)
		assert.Contains(t, body["error"], "partId")
	})

	errorCases := []struct {
		name   string
		err    error
		status int
	}{
		{"policy rejection", &attachment.PolicyError{Reason: "extension .exe is not allowed"}, http.StatusBadRequest},
		{"bad credentials", imap.ErrAuthFailed, http.StatusUnauthorized},
		{"unknown part", attachment.ErrPartNotFound, http.StatusNotFound},
		{"unknown message", attachment.ErrMessageNotFound, http.StatusNotFound},
		{"pool exhausted", imap.ErrPoolExhausted, http.StatusServiceUnavailable},
		{"remote failure", errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tc := range errorCases {
		t.Run(tc.name, func(t *testing.T) {
			svc := mocks.NewAttachments(t)
			svc.On("Download", mock.Anything, testCreds, "INBOX", uint32(7), "2").Return(nil, tc.err).Once()
			handler := NewAttachmentsHandler(svc, nil)

			rr := httptest.NewRecorder()
			handler.Download(rr, request(t))

			body := assertFailure(t, rr, tc.status)
			assert.Equal(t, tc.err.Error(), body["error"])
			assert.Empty(t, rr.Header().Get("Content-Disposition"))
		})
	}
}

func TestAttachmentsHandler_Stream(t *testing.T) {
	t.Run("pipes the body and closes it", func(t *testing.T) {
		content := strings.Repeat("0123456789", 10000)
		body := &trackingBody{Reader: strings.NewReader(content)}
		svc := mocks.NewAttachments(t)
		svc.On("DownloadStream", mock.Anything, testCreds, "INBOX", uint32(9), "3").
			Return(&attachment.Stream{Filename: "big.csv", ContentType: "text/csv", DeclaredSize: 140000, Body: body}, nil).Once()
		handler := NewAttachmentsHandler(svc, nil)

		rr := httptest.NewRecorder()
		handler.Stream(rr, jsonRequest(t, "/api/attachments/stream", withCreds(map[string]any{"uid": 9, "partId": "3"})))

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, content, rr.Body.String())
		assert.Equal(t, "text/csv", rr.Header().Get("Content-Type"))
		assert.Equal(t, "attachment; filename=big.csv", rr.Header().Get("Content-Disposition"))
		assert.Empty(t, rr.Header().Get("Content-Length"))
		assert.True(t, rr.Flushed)
		assert.Equal(t, 1, body.closed)
	})

	t.Run("read failure mid-stream still closes", func(t *testing.T) {
		body := &trackingBody{Reader: io.MultiReader(strings.NewReader("partial"), iotestErrReader{})}
		svc := mocks.NewAttachments(t)
		svc.On("DownloadStream", mock.Anything, testCreds, "INBOX", uint32(9), "3").
			Return(&attachment.Stream{Filename: "big.csv", ContentType: "text/csv", Body: body}, nil).Once()
		handler := NewAttachmentsHandler(svc, nil)

		rr := httptest.NewRecorder()
		handler.Stream(rr, jsonRequest(t, "/api/attachments/stream", withCreds(map[string]any{"uid": 9, "partId": "3"})))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "partial", rr.Body.String())
		assert.Equal(t, 1, body.closed)
	})

	t.Run("blocked attachment", func(t *testing.T) {
		svc := mocks.NewAttachments(t)
		svc.On("DownloadStream", mock.Anything, testCreds, "INBOX", uint32(9), "3").
			Return(nil, &attachment.PolicyError{Reason: "attachment is larger than 26214400 bytes"}).Once()
		handler := NewAttachmentsHandler(svc, nil)

		rr := httptest.NewRecorder()
		handler.Stream(rr, jsonRequest(t, "/api/attachments/stream", withCreds(map[string]any{"uid": 9, "partId": "3"})))

		body := assertFailure(t, rr, http.StatusBadRequest)
		assert.Contains(t, body["error"], "larger than")
	})
}

type iotestErrReader struct{}

func (iotestErrReader) Read([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

func TestAttachmentsHandler_Stats(t *testing.T) {
	svc := mocks.NewAttachments(t)
	svc.On("Stats").Return(attachment.Stats{Downloads: 4, Blocked: 1}).Once()
	handler := NewAttachmentsHandler(svc, func() imap.PoolStats { return imap.PoolStats{Active: 2, MaxSessions: 50} })

	rr := httptest.NewRecorder()
	handler.Stats(rr, httptest.NewRequest(http.MethodGet, "/api/attachments/stats", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeResponse(t, rr)
	assert.Equal(t, float64(4), body["attachments"].(map[string]any)["downloads"])
	assert.Equal(t, float64(1), body["attachments"].(map[string]any)["blocked"])
	assert.Equal(t, float64(2), body["pool"].(map[string]any)["active"])
}
