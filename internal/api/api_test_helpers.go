package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailgate/internal/auth"
	"github.com/vdavid/mailgate/internal/imap"
	"github.com/vdavid/mailgate/internal/models"
)

var testCreds = models.Credentials{Email: "ann@example.com", Password: "secret"}

// jsonRequest builds a POST request with body encoded as JSON. A string body
// is sent verbatim.
func jsonRequest(t *testing.T, url string, body any) *http.Request {
	t.Helper()
	var data []byte
	switch b := body.(type) {
	case string:
		data = []byte(b)
	default:
		var err error
		data, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// withCreds adds the credentials sent in test bodies.
func withCreds(fields map[string]any) map[string]any {
	fields["email"] = testCreds.Email
	fields["password"] = testCreds.Password
	return fields
}

// asBearer puts credentials into the request context the way WithBearer does.
func asBearer(req *http.Request, creds models.Credentials) *http.Request {
	ctx := context.WithValue(req.Context(), auth.CredentialsKey, creds)
	return req.WithContext(ctx)
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body), "body: %s", rr.Body.String())
	return body
}

// assertFailure checks the status code and the failure envelope.
func assertFailure(t *testing.T, rr *httptest.ResponseRecorder, status int) map[string]any {
	t.Helper()
	assert.Equal(t, status, rr.Code, "body: %s", rr.Body.String())
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	body := decodeResponse(t, rr)
	assert.Equal(t, false, body["success"])
	assert.NotEmpty(t, body["error"])
	return body
}

// VerifyCredentialsCheck verifies that the handler rejects a request without
// credentials as a validation error.
func VerifyCredentialsCheck(t *testing.T, handlerFunc http.HandlerFunc, url string) {
	t.Helper()
	rr := httptest.NewRecorder()
	handlerFunc(rr, jsonRequest(t, url, map[string]any{"mailbox": "INBOX", "uid": 1, "uids": []int{1}}))
	body := assertFailure(t, rr, http.StatusBadRequest)
	assert.Contains(t, body["error"], "email")
}

// fakeAuthenticator accepts testCreds only.
type fakeAuthenticator struct {
	calls int
}

func (a *fakeAuthenticator) Authenticate(_ context.Context, creds models.Credentials) error {
	a.calls++
	if creds != testCreds {
		return imap.ErrAuthFailed
	}
	return nil
}
